// Copyright (C) 2026 dirsrvd contributors
// This file is part of dirsrvd
//
// dirsrvd is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// dirsrvd is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with dirsrvd.  If not, see <https://www.gnu.org/licenses/>.

package replication

import (
	"fmt"
	"strings"
)

// validate checks the agreement fields against the configuration
// invariants and returns nil or a single error wrapping ErrConfigInvalid
// carrying every diagnostic. It encodes the only copy of the rules; the
// parser and all setters call it, nothing re-checks elsewhere.
//
// Callers hold the agreement mutex or own the agreement exclusively.
func (a *Agreement) validate() error {
	var probs []string

	if a.hostname == "" {
		probs = append(probs, "missing replica host")
	}
	if a.port < 1 || a.port > 65535 {
		probs = append(probs, fmt.Sprintf("port %d outside 1..65535", a.port))
	}
	if a.timeout < 0 {
		probs = append(probs, fmt.Sprintf("negative timeout %d", a.timeout))
	}
	if a.busyWait < 0 {
		probs = append(probs, fmt.Sprintf("negative busy wait time %d", a.busyWait))
	}
	if a.pause < 0 {
		probs = append(probs, fmt.Sprintf("negative session pause time %d", a.pause))
	}
	if a.flowControlWindow < 0 {
		probs = append(probs, fmt.Sprintf("negative flow control window %d", a.flowControlWindow))
	}
	if a.flowControlPause < 0 {
		probs = append(probs, fmt.Sprintf("negative flow control pause %d", a.flowControlPause))
	}
	if a.transport == TransportPlain && a.bindMethod == BindSSLClientAuth {
		probs = append(probs, "SSL client authentication requires a secure transport")
	}
	if a.bindMethod == BindSimple || a.bindMethod == BindSASLDigestMD5 {
		if a.binddn == "" {
			probs = append(probs, fmt.Sprintf("a bind DN must be configured for the %s bind method", a.bindMethod))
		}
		if a.creds == "" {
			probs = append(probs, fmt.Sprintf("a credential must be configured for the %s bind method", a.bindMethod))
		}
	}
	if a.bootstrapBindMethod != BindSimple && a.bootstrapBindMethod != BindSSLClientAuth {
		probs = append(probs, "bootstrap bind method must be SIMPLE or SSLCLIENTAUTH")
	}

	if len(probs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrConfigInvalid, a.longName, strings.Join(probs, "; "))
}
