// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package content

import (
	netmail "net/mail"
	"regexp"
	"strings"
)

var bareAddress = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@([A-Za-z0-9.\-]+\.[A-Za-z]{2,})`)

// SenderDomain returns the lower-cased domain of a From header value, or ""
// when none can be found.
func SenderDomain(from string) string {
	if addr, err := netmail.ParseAddress(from); err == nil {
		if i := strings.LastIndex(addr.Address, "@"); i >= 0 {
			return strings.ToLower(addr.Address[i+1:])
		}
	}
	if m := bareAddress.FindStringSubmatch(from); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}

// SenderName returns the display name of a From header value, falling back
// to the first label of the sender domain ("coolblue" for info@coolblue.nl).
func SenderName(from string) string {
	if addr, err := netmail.ParseAddress(from); err == nil && addr.Name != "" {
		return addr.Name
	}
	if i := strings.Index(from, "<"); i > 0 {
		if name := strings.Trim(strings.TrimSpace(from[:i]), `"`); name != "" {
			return name
		}
	}
	domain := SenderDomain(from)
	if domain == "" {
		return ""
	}
	labels := strings.Split(domain, ".")
	if len(labels) >= 2 {
		return labels[len(labels)-2]
	}
	return labels[0]
}
