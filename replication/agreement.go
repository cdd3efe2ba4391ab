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
	"sync/atomic"
	"time"

	"github.com/algorand/go-deadlock"
	"github.com/go-ldap/ldap/v3"

	"github.com/dirsrvd/dirsrvd/logging"
	"github.com/dirsrvd/dirsrvd/util"
)

// Agreement is the in-memory representation of one replication
// agreement entry. All scalar state is guarded by mu; the fractional
// attribute lists are guarded by attrMu so the write hot path can take
// a shared lock. mu is a leaf lock: it is never held across a call into
// the Directory, the Protocol, or sibling agreements.
type Agreement struct {
	mu     deadlock.Mutex
	attrMu deadlock.RWMutex

	dn       *ldap.DN
	dnRaw    string
	rdnValue string
	typ      Type

	hostname string
	port     int

	transport  Transport
	bindMethod BindMethod
	binddn     string
	creds      string

	bootstrapTransport  Transport
	bootstrapBindMethod BindMethod
	bootstrapBinddn     string
	bootstrapCreds      string

	replarea    *ldap.DN
	replareaRaw string

	fracAttrs        []string
	fracAttrSet      util.Set[string]
	fracAttrsTotal   []string
	fracTotalDefined bool
	stripAttrs       []string
	stripAttrSet     util.Set[string]

	schedule Schedule

	enabled        bool
	autoInitialize bool

	timeout  int64
	busyWait int64
	pause    int64

	flowControlWindow   int
	flowControlPause    int
	ignoreMissing       IgnoreMissing
	waitForAsyncResults int

	protocolTimeout atomic.Int64

	longName       string
	sessionPrefix  string
	sessionCounter uint32
	sessionID      string

	consumerRUV       RUV
	consumerSchemaCSN string
	consumerRID       uint16
	ridTentative      bool

	maxCSN string

	changeCounters []*changeCounter

	lastUpdateStart      time.Time
	lastUpdateEnd        time.Time
	lastUpdateStatus     string
	lastUpdateStatusJSON string
	lastInitStart        time.Time
	lastInitEnd          time.Time
	lastInitStatus       string
	lastInitStatusJSON   string

	updateInProgress bool
	stopInProgress   bool

	protocol Protocol

	dir          Directory
	protoFactory ProtocolFactory
	log          logging.Logger
}

// shortHostname truncates a DNS name at the first dot, matching the
// display form used in the long name.
func shortHostname(host string) string {
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}

func makeLongName(rdnValue, host string, port int) string {
	return fmt.Sprintf("agmt=%q (%s:%d)", rdnValue, shortHostname(host), port)
}

// recomputeLongName refreshes the display label after a host or port
// change. Caller holds mu.
func (a *Agreement) recomputeLongName() {
	a.longName = makeLongName(a.rdnValue, a.hostname, a.port)
}

// LongName returns the display label carried on every engine log line
// for this agreement.
func (a *Agreement) LongName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.longName
}

// DN returns the identity DN string of the agreement entry.
func (a *Agreement) DN() string {
	return a.dnRaw
}

// Name returns the terminal name component of the agreement DN.
func (a *Agreement) Name() string {
	return a.rdnValue
}

// Type reports the agreement variant.
func (a *Agreement) Type() Type {
	return a.typ
}

// Hostname returns the remote peer hostname.
func (a *Agreement) Hostname() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hostname
}

// Port returns the remote peer port.
func (a *Agreement) Port() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port
}

// Transport returns the session transport flavor.
func (a *Agreement) Transport() Transport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transport
}

// BindMethod returns the primary bind method.
func (a *Agreement) BindMethod() BindMethod {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bindMethod
}

// BindDN returns the primary bind DN.
func (a *Agreement) BindDN() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.binddn
}

// Credentials returns the primary bind credential.
func (a *Agreement) Credentials() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creds
}

// BootstrapTransport returns the fallback transport flavor.
func (a *Agreement) BootstrapTransport() Transport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bootstrapTransport
}

// BootstrapBindMethod returns the fallback bind method.
func (a *Agreement) BootstrapBindMethod() BindMethod {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bootstrapBindMethod
}

// BootstrapBindDN returns the fallback bind DN.
func (a *Agreement) BootstrapBindDN() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bootstrapBinddn
}

// BootstrapCredentials returns the fallback bind credential.
func (a *Agreement) BootstrapCredentials() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bootstrapCreds
}

// HasBootstrapCredentials reports whether a usable fallback identity is
// configured.
func (a *Agreement) HasBootstrapCredentials() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bootstrapBinddn != "" && a.bootstrapCreds != ""
}

// Replarea returns the replicated subtree DN string.
func (a *Agreement) Replarea() string {
	return a.replareaRaw
}

// Timeout returns the outbound operation timeout in seconds.
func (a *Agreement) Timeout() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timeout
}

// BusyWaitTime returns the back-off after a busy response, in seconds.
func (a *Agreement) BusyWaitTime() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busyWait
}

// PauseTime returns the pause between sessions, in seconds.
func (a *Agreement) PauseTime() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pause
}

// FlowControlWindow returns the max number of in-flight unacked
// entries.
func (a *Agreement) FlowControlWindow() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flowControlWindow
}

// FlowControlPause returns the pause applied on window overflow, in
// milliseconds.
func (a *Agreement) FlowControlPause() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flowControlPause
}

// IgnoreMissingChange returns the missing-change policy.
func (a *Agreement) IgnoreMissingChange() IgnoreMissing {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ignoreMissing
}

// WaitForAsyncResults returns the async poll interval in milliseconds.
func (a *Agreement) WaitForAsyncResults() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.waitForAsyncResults
}

// IsEnabled reports whether the agreement is administratively enabled.
func (a *Agreement) IsEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// ShouldAutoInitialize reports whether the next start begins with a
// total refresh.
func (a *Agreement) ShouldAutoInitialize() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.autoInitialize
}

// ProtocolTimeout returns the worker shutdown grace period in seconds.
// It is read lock-free from the worker side.
func (a *Agreement) ProtocolTimeout() int64 {
	return a.protocolTimeout.Load()
}

// SetProtocolTimeout stores the worker shutdown grace period.
func (a *Agreement) SetProtocolTimeout(seconds int64) {
	a.protocolTimeout.Store(seconds)
}

// SessionID returns the current "<prefix> NNN" session tag.
func (a *Agreement) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// BumpSessionID advances the session counter, wrapping after 999, and
// returns the new tag. Called at the start of every session.
func (a *Agreement) BumpSessionID() string {
	a.mu.Lock()
	a.sessionCounter = nextSessionCounter(a.sessionCounter)
	a.sessionID = sessionTag(a.sessionPrefix, a.sessionCounter)
	id := a.sessionID
	longName := a.longName
	a.mu.Unlock()
	sessionsStarted.WithLabelValues(longName).Inc()
	return id
}

// ConsumerRUV returns the latest observed remote update vector, nil
// when none was delivered yet.
func (a *Agreement) ConsumerRUV() RUV {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consumerRUV
}

// SetConsumerRUV stores the remote update vector delivered by a
// session.
func (a *Agreement) SetConsumerRUV(ruv RUV) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consumerRUV = ruv
}

// ConsumerSchemaCSN returns the last schema CSN acknowledged by the
// peer.
func (a *Agreement) ConsumerSchemaCSN() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consumerSchemaCSN
}

// SetConsumerSchemaCSN stores the schema CSN acknowledged by the peer.
func (a *Agreement) SetConsumerSchemaCSN(csn string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consumerSchemaCSN = csn
}

// UpdateInProgress reports whether an incremental session is running.
func (a *Agreement) UpdateInProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.updateInProgress
}

// SetUpdateInProgress records whether an incremental session is
// running.
func (a *Agreement) SetUpdateInProgress(in bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updateInProgress = in
}

// MatchesName reports whether dn names this agreement, comparing
// canonical DN forms.
func (a *Agreement) MatchesName(dn string) bool {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return false
	}
	return a.dn.Equal(parsed)
}

// ReplareaMatches reports whether dn equals the replicated subtree.
func (a *Agreement) ReplareaMatches(dn string) bool {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return false
	}
	return a.replarea.Equal(parsed)
}

// coversDN reports whether dn is the replicated subtree or below it.
func (a *Agreement) coversDN(dn string) bool {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return false
	}
	return a.replarea.Equal(parsed) || a.replarea.AncestorOf(parsed)
}

// InScheduleNow reports whether the schedule window is currently open.
func (a *Agreement) InScheduleNow() bool {
	a.mu.Lock()
	sched := a.schedule
	a.mu.Unlock()
	if sched == nil {
		return true
	}
	return sched.InWindowNow()
}

// FractionalAttrs returns a copy of the incremental exclude list, nil
// when the agreement is not fractional.
func (a *Agreement) FractionalAttrs() []string {
	a.attrMu.RLock()
	defer a.attrMu.RUnlock()
	if a.fracAttrs == nil {
		return nil
	}
	out := make([]string, len(a.fracAttrs))
	copy(out, a.fracAttrs)
	return out
}

// FractionalAttrsTotal returns a copy of the total-refresh exclude
// list, falling back to the incremental list when undefined.
func (a *Agreement) FractionalAttrsTotal() []string {
	a.attrMu.RLock()
	defer a.attrMu.RUnlock()
	src := a.fracAttrsTotal
	if !a.fracTotalDefined {
		src = a.fracAttrs
	}
	if src == nil {
		return nil
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// StripAttrs returns a copy of the strip list.
func (a *Agreement) StripAttrs() []string {
	a.attrMu.RLock()
	defer a.attrMu.RUnlock()
	if a.stripAttrs == nil {
		return nil
	}
	out := make([]string, len(a.stripAttrs))
	copy(out, a.stripAttrs)
	return out
}

// IsFractional reports whether an incremental exclude list is
// configured.
func (a *Agreement) IsFractional() bool {
	a.attrMu.RLock()
	defer a.attrMu.RUnlock()
	return a.fracAttrs != nil
}

// IsFractionalAttr reports whether name is excluded from incremental
// replication.
func (a *Agreement) IsFractionalAttr(name string) bool {
	a.attrMu.RLock()
	defer a.attrMu.RUnlock()
	return a.fracAttrSet.Contains(strings.ToLower(name))
}

// IsFractionalAttrTotal reports whether name is excluded from total
// replication, falling back to the incremental set when the total list
// is undefined.
func (a *Agreement) IsFractionalAttrTotal(name string) bool {
	a.attrMu.RLock()
	defer a.attrMu.RUnlock()
	if !a.fracTotalDefined {
		return a.fracAttrSet.Contains(strings.ToLower(name))
	}
	return attrSet(a.fracAttrsTotal).Contains(strings.ToLower(name))
}

// notifyChanged pokes the running worker about a configuration change.
// Called after mu is released.
func (a *Agreement) notifyChanged(prot Protocol) {
	if prot == nil {
		return
	}
	a.log.With("agreement", a.longNameSnapshot()).Debug("agreement changed, notifying protocol")
	prot.NotifyAgmtChanged()
}

func (a *Agreement) longNameSnapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.longName
}
