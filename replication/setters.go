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

	"github.com/go-ldap/ldap/v3"
)

// applyLocked runs mutate under the agreement mutex and notifies the
// running protocol afterwards, outside the mutex. While a stop is in
// progress the update is silently dropped; the agreement is about to
// lose its worker anyway and the next reconfiguration re-reads the
// entry.
func (a *Agreement) applyLocked(mutate func() error) error {
	a.mu.Lock()
	if a.stopInProgress {
		a.mu.Unlock()
		return nil
	}
	if err := mutate(); err != nil {
		a.mu.Unlock()
		return err
	}
	prot := a.protocol
	a.mu.Unlock()
	a.notifyChanged(prot)
	return nil
}

// checkInvariants re-validates after a candidate mutation and restores
// via undo when the new state is inconsistent. Caller holds mu.
func (a *Agreement) checkInvariants(undo func()) error {
	if err := a.validate(); err != nil {
		undo()
		return fmt.Errorf("%w: %v", ErrConfigConflict, err)
	}
	return nil
}

// SetCredentialsFromEntry replaces the primary bind credential from the
// entry. An absent attribute resets it to empty.
func (a *Agreement) SetCredentialsFromEntry(e *ldap.Entry) error {
	val := entryValue(e, AttrCredentials)
	return a.applyLocked(func() error {
		old := a.creds
		a.creds = val
		return a.checkInvariants(func() { a.creds = old })
	})
}

// SetBootstrapCredentialsFromEntry replaces the fallback credential.
func (a *Agreement) SetBootstrapCredentialsFromEntry(e *ldap.Entry) error {
	val := entryValue(e, AttrBootstrapCredentials)
	return a.applyLocked(func() error {
		a.bootstrapCreds = val
		return nil
	})
}

// SetBindDNFromEntry replaces the primary bind DN from the entry. An
// absent attribute resets it to empty.
func (a *Agreement) SetBindDNFromEntry(e *ldap.Entry) error {
	val := entryValue(e, AttrBindDN)
	return a.applyLocked(func() error {
		old := a.binddn
		a.binddn = val
		return a.checkInvariants(func() { a.binddn = old })
	})
}

// SetBootstrapBindDNFromEntry replaces the fallback bind DN.
func (a *Agreement) SetBootstrapBindDNFromEntry(e *ldap.Entry) error {
	val := entryValue(e, AttrBootstrapBindDN)
	return a.applyLocked(func() error {
		a.bootstrapBinddn = val
		return nil
	})
}

// SetBindMethodFromEntry replaces the primary bind method.
func (a *Agreement) SetBindMethodFromEntry(e *ldap.Entry) error {
	val := entryValue(e, AttrBindMethod)
	m, ok := parseBindMethod(val)
	if !ok {
		return fmt.Errorf("%w: invalid %s value %q", ErrConfigConflict, AttrBindMethod, val)
	}
	return a.applyLocked(func() error {
		old := a.bindMethod
		a.bindMethod = m
		return a.checkInvariants(func() { a.bindMethod = old })
	})
}

// SetBootstrapBindMethodFromEntry replaces the fallback bind method,
// which only admits SIMPLE and SSLCLIENTAUTH.
func (a *Agreement) SetBootstrapBindMethodFromEntry(e *ldap.Entry) error {
	val := entryValue(e, AttrBootstrapBindMethod)
	m, ok := parseBindMethod(val)
	if !ok || (m != BindSimple && m != BindSSLClientAuth) {
		return fmt.Errorf("%w: invalid %s value %q", ErrConfigConflict, AttrBootstrapBindMethod, val)
	}
	return a.applyLocked(func() error {
		a.bootstrapBindMethod = m
		return nil
	})
}

// SetTransportInfoFromEntry replaces the primary transport flavor. An
// unrecognized value leaves the transport unchanged: a diagnostic is
// logged but the setter still succeeds.
func (a *Agreement) SetTransportInfoFromEntry(e *ldap.Entry) error {
	val := entryValue(e, AttrTransportInfo)
	t, ok := parseTransport(val)
	if !ok {
		a.log.Warnf("%s: unrecognized %s value %q, keeping current transport", a.longNameSnapshot(), AttrTransportInfo, val)
		return nil
	}
	return a.applyLocked(func() error {
		old := a.transport
		a.transport = t
		return a.checkInvariants(func() { a.transport = old })
	})
}

// SetBootstrapTransportInfoFromEntry replaces the fallback transport
// flavor. Unlike the primary transport, an unrecognized value is an
// error.
func (a *Agreement) SetBootstrapTransportInfoFromEntry(e *ldap.Entry) error {
	val := entryValue(e, AttrBootstrapTransportInfo)
	t, ok := parseTransport(val)
	if !ok {
		return fmt.Errorf("%w: invalid %s value %q", ErrConfigConflict, AttrBootstrapTransportInfo, val)
	}
	return a.applyLocked(func() error {
		a.bootstrapTransport = t
		return nil
	})
}

// SetPortFromEntry replaces the remote port and refreshes the display
// label.
func (a *Agreement) SetPortFromEntry(e *ldap.Entry) error {
	val := entryValue(e, AttrPort)
	port, err := parseBoundedInt(AttrPort, val, 1, 65535)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigConflict, err)
	}
	return a.applyLocked(func() error {
		a.port = int(port)
		a.recomputeLongName()
		return nil
	})
}

// SetHostFromEntry replaces the remote host and refreshes the display
// label.
func (a *Agreement) SetHostFromEntry(e *ldap.Entry) error {
	val := entryValue(e, AttrHost)
	if val == "" {
		return fmt.Errorf("%w: missing %s", ErrConfigConflict, AttrHost)
	}
	return a.applyLocked(func() error {
		a.hostname = val
		a.recomputeLongName()
		return nil
	})
}

// SetScheduleFromEntry replaces the update window calendar.
func (a *Agreement) SetScheduleFromEntry(e *ldap.Entry) error {
	vals := entryValues(e, AttrSchedule)
	a.mu.Lock()
	if a.stopInProgress {
		a.mu.Unlock()
		return nil
	}
	sched := a.schedule
	prot := a.protocol
	a.mu.Unlock()
	if sched == nil {
		return nil
	}
	// The schedule runs its own callback machinery; feeding it under
	// the agreement mutex would invert the lock order on a window
	// boundary.
	if err := sched.Update(vals); err != nil {
		return fmt.Errorf("%w: bad %s: %v", ErrConfigConflict, AttrSchedule, err)
	}
	a.notifyChanged(prot)
	return nil
}

// SetTimeoutFromEntry replaces the outbound operation timeout.
func (a *Agreement) SetTimeoutFromEntry(e *ldap.Entry) error {
	val := entryValue(e, AttrTimeout)
	t, err := parseBoundedInt(AttrTimeout, val, 0, int64(^uint32(0)>>1))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigConflict, err)
	}
	return a.SetTimeout(t)
}

// SetTimeout replaces the outbound operation timeout directly; used by
// admin tooling next to the entry-driven setter.
func (a *Agreement) SetTimeout(timeout int64) error {
	if timeout < 0 {
		return fmt.Errorf("%w: negative timeout %d", ErrConfigConflict, timeout)
	}
	return a.applyLocked(func() error {
		a.timeout = timeout
		return nil
	})
}

// SetBusyWaitTimeFromEntry replaces the back-off after a busy response.
func (a *Agreement) SetBusyWaitTimeFromEntry(e *ldap.Entry) error {
	val := entryValue(e, AttrBusyWaitTime)
	bw, err := parseBoundedInt(AttrBusyWaitTime, val, 0, int64(^uint32(0)>>1))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigConflict, err)
	}
	return a.applyLocked(func() error {
		a.busyWait = bw
		return nil
	})
}

// SetPauseTimeFromEntry replaces the pause between sessions.
func (a *Agreement) SetPauseTimeFromEntry(e *ldap.Entry) error {
	val := entryValue(e, AttrSessionPauseTime)
	pt, err := parseBoundedInt(AttrSessionPauseTime, val, 0, int64(^uint32(0)>>1))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigConflict, err)
	}
	return a.applyLocked(func() error {
		a.pause = pt
		return nil
	})
}

// SetFlowControlWindowFromEntry replaces the in-flight entry window.
func (a *Agreement) SetFlowControlWindowFromEntry(e *ldap.Entry) error {
	val := entryValue(e, AttrFlowControlWindow)
	w, err := parseBoundedInt(AttrFlowControlWindow, val, 0, int64(^uint32(0)>>1))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigConflict, err)
	}
	return a.SetFlowControlWindow(int(w))
}

// SetFlowControlWindow replaces the in-flight entry window directly.
func (a *Agreement) SetFlowControlWindow(window int) error {
	if window < 0 {
		return fmt.Errorf("%w: negative flow control window %d", ErrConfigConflict, window)
	}
	return a.applyLocked(func() error {
		a.flowControlWindow = window
		return nil
	})
}

// SetFlowControlPauseFromEntry replaces the overflow pause.
func (a *Agreement) SetFlowControlPauseFromEntry(e *ldap.Entry) error {
	val := entryValue(e, AttrFlowControlPause)
	p, err := parseBoundedInt(AttrFlowControlPause, val, 0, int64(^uint32(0)>>1))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigConflict, err)
	}
	return a.SetFlowControlPause(int(p))
}

// SetFlowControlPause replaces the overflow pause directly.
func (a *Agreement) SetFlowControlPause(pause int) error {
	if pause < 0 {
		return fmt.Errorf("%w: negative flow control pause %d", ErrConfigConflict, pause)
	}
	return a.applyLocked(func() error {
		a.flowControlPause = pause
		return nil
	})
}

// SetWaitForAsyncResultsFromEntry replaces the async poll interval. An
// absent or unparsable value resets it to the default.
func (a *Agreement) SetWaitForAsyncResultsFromEntry(e *ldap.Entry) error {
	ms := defaultWaitForAsyncResultsMS
	if val := entryValue(e, AttrWaitForAsyncResults); val != "" {
		if n, err := parseBoundedInt(AttrWaitForAsyncResults, val, 1, int64(^uint32(0)>>1)); err == nil {
			ms = int(n)
		}
	}
	return a.applyLocked(func() error {
		a.waitForAsyncResults = ms
		return nil
	})
}

// SetIgnoreMissingFromEntry replaces the missing-change policy from the
// entry.
func (a *Agreement) SetIgnoreMissingFromEntry(e *ldap.Entry) error {
	val := entryValue(e, AttrIgnoreMissingChange)
	im, ok := parseIgnoreMissing(val)
	if !ok {
		return fmt.Errorf("%w: invalid %s value %q", ErrConfigConflict, AttrIgnoreMissingChange, val)
	}
	return a.SetIgnoreMissing(im)
}

// SetIgnoreMissing replaces the missing-change policy directly. When
// the policy is reset to never, the corresponding attribute is deleted
// from the agreement entry so the reset survives restart.
func (a *Agreement) SetIgnoreMissing(im IgnoreMissing) error {
	err := a.applyLocked(func() error {
		a.ignoreMissing = im
		return nil
	})
	if err == nil && im == IgnoreMissingNever {
		a.ResetIgnoreMissing()
	}
	return err
}

// SetReplicatedAttributesFromEntry replaces the incremental fractional
// exclude list, re-merging the process-wide defaults.
func (a *Agreement) SetReplicatedAttributesFromEntry(e *ldap.Entry, env Env) error {
	frac, denied, err := a.parseFractionalConfig(entryValues(e, AttrFractionalList), env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigConflict, err)
	}
	if len(denied) > 0 {
		a.log.Errorf("%s: attempt to exclude illegal attributes from a fractional agreement: %s",
			a.longNameSnapshot(), strings.Join(denied, " "))
		return fmt.Errorf("%w: fractional list excludes forbidden attributes: %s", ErrConfigConflict, strings.Join(denied, " "))
	}
	a.mu.Lock()
	if a.stopInProgress {
		a.mu.Unlock()
		return nil
	}
	prot := a.protocol
	a.mu.Unlock()

	a.attrMu.Lock()
	a.fracAttrs = frac
	a.fracAttrSet = attrSet(frac)
	a.attrMu.Unlock()

	a.notifyChanged(prot)
	return nil
}

// SetReplicatedAttributesTotalFromEntry replaces the total-refresh
// exclude list. An absent attribute undefines it, falling back to the
// incremental list.
func (a *Agreement) SetReplicatedAttributesTotalFromEntry(e *ldap.Entry) error {
	vals := entryValues(e, AttrFractionalListTotal)
	total, denied, err := parseFractionalValues(vals)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigConflict, err)
	}
	if len(denied) > 0 {
		return fmt.Errorf("%w: total fractional list excludes forbidden attributes: %s", ErrConfigConflict, strings.Join(denied, " "))
	}
	a.mu.Lock()
	if a.stopInProgress {
		a.mu.Unlock()
		return nil
	}
	prot := a.protocol
	a.mu.Unlock()

	a.attrMu.Lock()
	a.fracAttrsTotal = total
	a.fracTotalDefined = len(vals) > 0
	a.attrMu.Unlock()

	a.notifyChanged(prot)
	return nil
}

// SetStripAttrsFromEntry replaces the strip list. An absent attribute
// clears it.
func (a *Agreement) SetStripAttrsFromEntry(e *ldap.Entry) error {
	var attrs []string
	if v := entryValue(e, AttrStripAttrs); v != "" {
		attrs = strings.Fields(v)
	}
	a.mu.Lock()
	if a.stopInProgress {
		a.mu.Unlock()
		return nil
	}
	prot := a.protocol
	a.mu.Unlock()

	a.attrMu.Lock()
	a.stripAttrs = attrs
	a.stripAttrSet = attrSet(attrs)
	a.attrMu.Unlock()

	a.notifyChanged(prot)
	return nil
}
