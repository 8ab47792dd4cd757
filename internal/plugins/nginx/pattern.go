package nginx

import (
	"fmt"
	"regexp"
)

// LogFormatCombined is nginx's predefined "combined" log_format.
const LogFormatCombined = `$remote_addr - $remote_user [$time_local] "$request" $status $body_bytes_sent "$http_referer" "$http_user_agent"`

var (
	specialChars   = regexp.MustCompile(`([.*+?|(){}\[\]])`)
	formatVariable = regexp.MustCompile(`\$([a-zA-Z0-9_]+)`)
)

// BuildPattern compiles a regexp with one named group per $variable of an
// nginx log_format. An empty format selects LogFormatCombined.
func BuildPattern(logFormat string) (*regexp.Regexp, error) {
	if logFormat == "" {
		logFormat = LogFormatCombined
	}
	pattern := specialChars.ReplaceAllString(logFormat, `\$1`)
	pattern = formatVariable.ReplaceAllString(pattern, `(?P<$1>.*)`)
	re, err := regexp.Compile("^" + pattern)
	if err != nil {
		return nil, fmt.Errorf("nginx: compile log_format: %w", err)
	}
	return re, nil
}

// Fields matches line against re and returns the named groups.
func Fields(re *regexp.Regexp, line string) (map[string]string, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	out := make(map[string]string, len(m))
	for i, name := range re.SubexpNames() {
		if i > 0 && name != "" {
			out[name] = m[i]
		}
	}
	return out, true
}
