package protocol

import (
	"errors"
	"strings"

	"github.com/getturnip/turnip/internal/pktline"
)

// ReadSymbolicRefLine reads and validates the single
// `<name> SP <target>` packet that follows a turnip-set-symbolic-ref
// request. Only HEAD is a legal symbolic ref name, and the target is
// checked so it can never be mistaken for a git option.
func ReadSymbolicRefLine(pr *pktline.Reader) (name, target string, err error) {
	payload, err := pr.ReadPacket()
	if err != nil {
		return "", "", err
	}
	if payload == nil {
		return "", "", errors.New("invalid set-symbolic-ref-line")
	}
	line := strings.TrimSuffix(string(payload), "\n")
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		return "", "", errors.New("invalid set-symbolic-ref-line")
	}
	name, target = line[:sp], line[sp+1:]
	if name != "HEAD" {
		return "", "", errors.New(`symbolic ref name must be "HEAD"`)
	}
	if target == "" {
		return "", "", errors.New("invalid set-symbolic-ref-line")
	}
	if strings.HasPrefix(target, "-") {
		return "", "", errors.New(`symbolic ref target may not start with "-"`)
	}
	if strings.Contains(target, " ") {
		return "", "", errors.New(`symbolic ref target may not contain " "`)
	}
	return name, target, nil
}
