package capture

import (
	"bufio"
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

var (
	profilerResolutionRe = regexp.MustCompile(`^Resolution: (\d+) x (\d+)`)
	profilerLooksLikeRe  = regexp.MustCompile(`^UI Looks like: (\d+) x (\d+)`)
)

type profiledDisplay struct {
	physical, logical int
	main              bool
}

// parseDisplayScale reads `system_profiler SPDisplaysDataType` and returns
// the main display's physical width over the width it looks like. Displays
// that report no logical size are unscaled.
func parseDisplayScale(out []byte) float64 {
	var displays []*profiledDisplay
	var cur *profiledDisplay
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if m := profilerResolutionRe.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			cur = &profiledDisplay{physical: w}
			displays = append(displays, cur)
			continue
		}
		if cur == nil {
			continue
		}
		if m := profilerLooksLikeRe.FindStringSubmatch(line); m != nil {
			cur.logical, _ = strconv.Atoi(m[1])
		} else if line == "Main Display: Yes" {
			cur.main = true
		}
	}
	if len(displays) == 0 {
		return 1
	}
	pick := displays[0]
	for _, d := range displays {
		if d.main {
			pick = d
			break
		}
	}
	if pick.logical <= 0 || pick.physical < pick.logical {
		return 1
	}
	return float64(pick.physical) / float64(pick.logical)
}
