/*
Copyright 2023 The Wadm Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package validation

import (
	"regexp"
	"strings"
)

var manifestNameRegexp = regexp.MustCompile(`^[-A-Za-z0-9_]+$`)

// ValidManifestName reports whether name is usable as a model name: nonempty
// and made of alphanumeric characters, dashes, and underscores only.
func ValidManifestName(name string) bool {
	return manifestNameRegexp.MatchString(name)
}

// ValidLabelKey reports whether key is a valid OAM metadata label or
// annotation key: either a bare name, or a DNS subdomain prefix and a name
// separated by a slash. Values are unconstrained.
//
// Kept free of regular expressions so the grammar reads as written.
func ValidLabelKey(key string) bool {
	if prefix, name, ok := strings.Cut(key, "/"); ok {
		return validDNSSubdomain(prefix) && validLabelName(name)
	}
	return validLabelName(key)
}

// validDNSSubdomain checks a dot-separated prefix of at most 253 characters.
// Each part must be nonempty, at most 63 characters, start with a letter, end
// alphanumeric, and contain only alphanumerics or hyphens.
func validDNSSubdomain(s string) bool {
	if s == "" || len(s) > 253 {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" || len(part) > 63 {
			return false
		}
		if !isAlpha(part[0]) || !isAlphanumeric(part[len(part)-1]) {
			return false
		}
		for i := 0; i < len(part); i++ {
			if !isAlphanumeric(part[i]) && part[i] != '-' {
				return false
			}
		}
	}
	return true
}

// validLabelName checks a label name of at most 63 characters that starts and
// ends alphanumeric and contains only alphanumerics, hyphens, underscores, or
// periods.
func validLabelName(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	if !isAlphanumeric(name[0]) || !isAlphanumeric(name[len(name)-1]) {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isAlphanumeric(c) && c != '-' && c != '_' && c != '.' {
			return false
		}
	}
	return true
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isAlphanumeric(c byte) bool {
	return isAlpha(c) || (c >= '0' && c <= '9')
}
