// Package identity namespaces row keys under their owning study.
package identity

import (
	"strconv"
	"strings"

	"metacore/pkg/domain"
)

// PrefixRule names the warnings about keys that already carried the prefix.
const PrefixRule = "identity_prefix"

const (
	msgAllPrefixed  = "Sample names were already prefixed with the study id."
	msgSomePrefixed = "Some of the samples were already prefixed with the study id."
)

// Prefix returns the owner prefix for a study, including the separator.
func Prefix(studyID int64) string {
	return strconv.FormatInt(studyID, 10) + "."
}

// HasPrefix reports whether key is already namespaced under studyID.
func HasPrefix(key string, studyID int64) bool {
	p := Prefix(studyID)
	return len(key) > len(p) && strings.HasPrefix(key, p)
}

// NormalizeRowKeys namespaces every row key as "<study>.<local>". Keys already
// carrying the study prefix are kept per row; any other prefix is preserved
// verbatim beneath the study prefix. A fully prefixed table is returned
// unchanged with a warning. Keys that collide after prefixing are rejected.
func NormalizeRowKeys(t domain.Table, studyID int64) (domain.Table, domain.Result, error) {
	var res domain.Result
	out := t.Clone()
	if len(out.Rows) == 0 {
		return out, res, nil
	}

	prefixed := 0
	for _, r := range out.Rows {
		if HasPrefix(r.Key, studyID) {
			prefixed++
		}
	}
	switch {
	case prefixed == len(out.Rows):
		res.Warn(PrefixRule, domain.TemplateRef{}, msgAllPrefixed)
		return out, res, nil
	case prefixed > 0:
		res.Warn(PrefixRule, domain.TemplateRef{}, msgSomePrefixed)
	}

	p := Prefix(studyID)
	seen := make(map[string]int, len(out.Rows))
	var dups []string
	for i := range out.Rows {
		if !HasPrefix(out.Rows[i].Key, studyID) {
			out.Rows[i].Key = p + out.Rows[i].Key
		}
		seen[out.Rows[i].Key]++
		if seen[out.Rows[i].Key] == 2 {
			dups = append(dups, out.Rows[i].Key)
		}
	}
	if len(dups) > 0 {
		return domain.Table{}, domain.Result{}, domain.NewDuplicateSamplesError(dups...)
	}
	return out, res, nil
}

// LocalKey strips the study prefix from key when present.
func LocalKey(key string, studyID int64) string {
	if HasPrefix(key, studyID) {
		return key[len(Prefix(studyID)):]
	}
	return key
}
