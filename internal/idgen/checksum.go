package idgen

import "fmt"

// checksum is the additive mod-100 digest of s. It catches typos, nothing more.
func checksum(s string) int {
	sum := 0
	for i := 0; i < len(s); i++ {
		sum += int(s[i])
	}
	return sum % 100
}

func appendChecksum(s string) string {
	return fmt.Sprintf("%s%02d", s, checksum(s))
}

// ValidateChecksum reports whether the last two digits of id match the digest
// of the rest.
func ValidateChecksum(id string) bool {
	if len(id) < 3 {
		return false
	}
	body, tail := id[:len(id)-2], id[len(id)-2:]
	if tail[0] < '0' || tail[0] > '9' || tail[1] < '0' || tail[1] > '9' {
		return false
	}
	return int(tail[0]-'0')*10+int(tail[1]-'0') == checksum(body)
}
