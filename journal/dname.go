package journal

import "strings"

// EncodeDName renders a presentation-format domain name ("example.com.")
// as a canonical wire-format dname: length-octet-prefixed labels
// terminated by a zero-length root label. Spec §6 requires zone_name be
// stored this way so two journals opened with zone names that differ only
// in letter case or in a trailing dot compare equal on disk. Backslash
// escapes are not interpreted; each label is copied as written.
func EncodeDName(name string) []byte {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	if name == "" {
		return []byte{0}
	}
	labels := strings.Split(name, ".")
	var out []byte
	for _, l := range labels {
		out = append(out, byte(len(l)))
		out = append(out, []byte(l)...)
	}
	out = append(out, 0)
	return out
}
