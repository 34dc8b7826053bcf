package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var releaseRe = regexp.MustCompile(`^(\d+\.\d+\.\d+)`)

func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}
	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}
	if len(s) > len(sz) {
		unit = s[len(sz):]
	}
	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}
	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

func WriteJSON(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func compareVersion(v1, v2 string) int {
	v1Parts := strings.Split(v1, ".")
	v2Parts := strings.Split(v2, ".")

	for i := 0; i < len(v1Parts) && i < len(v2Parts); i++ {
		v1Part, _ := strconv.Atoi(v1Parts[i])
		v2Part, _ := strconv.Atoi(v2Parts[i])

		if v1Part < v2Part {
			return -1
		} else if v1Part > v2Part {
			return 1
		}
	}
	if len(v1Parts) < len(v2Parts) {
		return -1
	} else if len(v1Parts) > len(v2Parts) {
		return 1
	}
	return 0
}

// releaseVersion pulls major.minor.patch out of a uname release string
// such as "6.8.0-45-generic".
func releaseVersion(release string) (string, error) {
	match := releaseRe.FindStringSubmatch(release)
	if len(match) < 2 {
		return "", fmt.Errorf("failed to parse kernel version: %s", release)
	}
	return match[1], nil
}

func checkRelease(release, minVersion string) error {
	current, err := releaseVersion(release)
	if err != nil {
		return err
	}
	if compareVersion(current, minVersion) < 0 {
		return fmt.Errorf("current kernel version %s is less than %s, please upgrade your kernel", current, minVersion)
	}
	return nil
}

// CheckKernelVersion fails when the running kernel is older than minVersion.
func CheckKernelVersion(minVersion string) error {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return fmt.Errorf("failed to get kernel version: %w", err)
	}
	return checkRelease(unix.ByteSliceToString(uts.Release[:]), minVersion)
}
