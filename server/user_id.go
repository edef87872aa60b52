// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import "strings"

// User IDs are federated identifiers of the form "@localpart:domain". The
// domain names the server the account is homed on.

// UserDomain returns the domain part of a user ID, or "" if the ID is
// malformed.
func UserDomain(userID string) string {
	if !strings.HasPrefix(userID, "@") {
		return ""
	}
	_, domain, found := strings.Cut(userID[1:], ":")
	if !found || domain == "" {
		return ""
	}
	return domain
}

// IsLocalUser reports whether the user's account is homed on serverName.
// Malformed IDs are never local.
func IsLocalUser(userID, serverName string) bool {
	domain := UserDomain(userID)
	return domain != "" && domain == serverName
}
