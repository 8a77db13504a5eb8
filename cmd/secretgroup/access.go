package main

import (
	"fmt"
	"strings"

	"secretgroup/internal/auth"
)

func parseAccess(s string) (auth.Access, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return auth.AccessNone, nil
	case "pull":
		return auth.AccessPull, nil
	case "read":
		return auth.AccessRead, nil
	case "write":
		return auth.AccessWrite, nil
	case "manage":
		return auth.AccessManage, nil
	default:
		return 0, fmt.Errorf("unknown access level %q (want none|pull|read|write|manage)", s)
	}
}

func parseMemberID(s string) (auth.MemberID, error) {
	return digestFromHex(s)
}
