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
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/dirsrvd/dirsrvd/config"
	"github.com/dirsrvd/dirsrvd/logging"
)

// Env carries the collaborators and process-wide settings an agreement
// needs; one Env is shared by every agreement of a registry.
type Env struct {
	Dir       Directory
	Protocols ProtocolFactory
	Schedules ScheduleFactory
	Local     config.Local
	LocalHost string
	Log       logging.Logger
}

// entryValue returns the first value of attr on e, or "".
func entryValue(e *ldap.Entry, attr string) string {
	for _, a := range e.Attributes {
		if strings.EqualFold(a.Name, attr) {
			if len(a.Values) > 0 {
				return a.Values[0]
			}
			return ""
		}
	}
	return ""
}

// entryValues returns every value of attr on e.
func entryValues(e *ldap.Entry, attr string) []string {
	for _, a := range e.Attributes {
		if strings.EqualFold(a.Name, attr) {
			return a.Values
		}
	}
	return nil
}

// entryHasAttr reports whether e carries attr, even with zero values.
func entryHasAttr(e *ldap.Entry, attr string) bool {
	for _, a := range e.Attributes {
		if strings.EqualFold(a.Name, attr) {
			return true
		}
	}
	return false
}

func entryHasObjectClass(e *ldap.Entry, class string) bool {
	for _, v := range entryValues(e, "objectclass") {
		if strings.EqualFold(v, class) {
			return true
		}
	}
	return false
}

// parseBoundedInt parses val as an integer in [min, max].
func parseBoundedInt(attr, val string, min, max int64) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: value %q is not a number", attr, val)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%s: value %d is outside %d..%d", attr, n, min, max)
	}
	return n, nil
}

// parseTransport maps a transport-info value onto the Transport enum.
// The bool result is false for values the enum does not know; callers
// decide whether that is ignored or fatal.
func parseTransport(val string) (Transport, bool) {
	switch {
	case strings.EqualFold(val, "SSL"), strings.EqualFold(val, "LDAPS"):
		return TransportTLS, true
	case strings.EqualFold(val, "TLS"), strings.EqualFold(val, "StartTLS"):
		return TransportStartTLS, true
	case strings.EqualFold(val, "LDAP"), val == "":
		return TransportPlain, true
	default:
		return TransportPlain, false
	}
}

func parseBindMethod(val string) (BindMethod, bool) {
	switch {
	case strings.EqualFold(val, "SIMPLE"), val == "":
		return BindSimple, true
	case strings.EqualFold(val, "SSLCLIENTAUTH"):
		return BindSSLClientAuth, true
	case strings.EqualFold(val, "SASL/GSSAPI"):
		return BindSASLGSSAPI, true
	case strings.EqualFold(val, "SASL/DIGEST-MD5"):
		return BindSASLDigestMD5, true
	default:
		return BindSimple, false
	}
}

func parseIgnoreMissing(val string) (IgnoreMissing, bool) {
	switch {
	case strings.EqualFold(val, "off"), strings.EqualFold(val, "never"):
		return IgnoreMissingNever, true
	case strings.EqualFold(val, "on"), strings.EqualFold(val, "once"):
		return IgnoreMissingOnce, true
	case strings.EqualFold(val, "always"):
		return IgnoreMissingAlways, true
	default:
		return IgnoreMissingNever, false
	}
}

// rdnValue extracts the value of the terminal name component of dn.
func rdnValue(dn *ldap.DN) string {
	if len(dn.RDNs) == 0 || len(dn.RDNs[0].Attributes) == 0 {
		return ""
	}
	return dn.RDNs[0].Attributes[0].Value
}

// NewFromEntry builds an Agreement from its configuration entry. The
// only failure mode is an invalid record; everything else is defaulted.
// The new agreement is not started.
func NewFromEntry(e *ldap.Entry, env Env) (*Agreement, error) {
	dn, err := ldap.ParseDN(e.DN)
	if err != nil {
		return nil, fmt.Errorf("%w: bad agreement dn %q: %v", ErrConfigInvalid, e.DN, err)
	}

	a := &Agreement{
		dn:           dn,
		dnRaw:        e.DN,
		rdnValue:     rdnValue(dn),
		dir:          env.Dir,
		protoFactory: env.Protocols,
		log:          env.Log,
	}
	if a.log == nil {
		a.log = logging.Base()
	}

	if v := entryValue(e, AttrBeginReplicaRefresh); strings.EqualFold(v, "start") {
		a.autoInitialize = true
	}

	a.hostname = entryValue(e, AttrHost)

	if v := entryValue(e, AttrPort); v != "" {
		port, err := parseBoundedInt(AttrPort, v, 1, 65535)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, e.DN, err)
		}
		a.port = int(port)
	}

	if t, ok := parseTransport(entryValue(e, AttrTransportInfo)); ok {
		a.transport = t
	} else {
		a.log.Warnf("%s: unrecognized %s value %q, using LDAP", e.DN, AttrTransportInfo, entryValue(e, AttrTransportInfo))
	}

	a.waitForAsyncResults = int(DefaultWaitForAsyncResults / time.Millisecond)
	if v := entryValue(e, AttrWaitForAsyncResults); v != "" {
		if ms, err := parseBoundedInt(AttrWaitForAsyncResults, v, 1, int64(^uint32(0)>>1)); err == nil {
			a.waitForAsyncResults = int(ms)
		}
	}

	a.binddn = entryValue(e, AttrBindDN)
	a.creds = entryValue(e, AttrCredentials)
	if m, ok := parseBindMethod(entryValue(e, AttrBindMethod)); ok {
		a.bindMethod = m
	} else {
		return nil, fmt.Errorf("%w: %s: invalid %s value %q", ErrConfigInvalid, e.DN, AttrBindMethod, entryValue(e, AttrBindMethod))
	}

	a.bootstrapBinddn = entryValue(e, AttrBootstrapBindDN)
	a.bootstrapCreds = entryValue(e, AttrBootstrapCredentials)
	if t, ok := parseTransport(entryValue(e, AttrBootstrapTransportInfo)); ok {
		a.bootstrapTransport = t
	} else {
		return nil, fmt.Errorf("%w: %s: invalid %s value %q", ErrConfigInvalid, e.DN, AttrBootstrapTransportInfo, entryValue(e, AttrBootstrapTransportInfo))
	}
	if m, ok := parseBindMethod(entryValue(e, AttrBootstrapBindMethod)); ok {
		a.bootstrapBindMethod = m
	} else {
		return nil, fmt.Errorf("%w: %s: invalid %s value %q", ErrConfigInvalid, e.DN, AttrBootstrapBindMethod, entryValue(e, AttrBootstrapBindMethod))
	}

	a.timeout = int64(DefaultTimeout / time.Second)
	if v := entryValue(e, AttrTimeout); v != "" {
		t, err := parseBoundedInt(AttrTimeout, v, 0, int64(^uint32(0)>>1))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, e.DN, err)
		}
		a.timeout = t
	}

	root := entryValue(e, AttrRoot)
	if root == "" {
		return nil, fmt.Errorf("%w: %s: missing %s", ErrConfigInvalid, e.DN, AttrRoot)
	}
	a.replareaRaw = root
	a.replarea, err = ldap.ParseDN(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: bad %s value %q: %v", ErrConfigInvalid, e.DN, AttrRoot, root, err)
	}

	// Flow control defaults track the storage flavor of the backend
	// hosting the replicated suffix.
	lmdb := env.Dir != nil && env.Dir.BackendFlavor(root) == "lmdb"
	if lmdb {
		a.flowControlWindow = DefaultFlowControlWindowLMDB
		a.flowControlPause = DefaultFlowControlPauseLMDB
	} else {
		a.flowControlWindow = DefaultFlowControlWindow
		a.flowControlPause = DefaultFlowControlPause
	}
	if v := entryValue(e, AttrFlowControlWindow); v != "" {
		w, err := parseBoundedInt(AttrFlowControlWindow, v, 0, int64(^uint32(0)>>1))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, e.DN, err)
		}
		a.flowControlWindow = int(w)
	}
	if v := entryValue(e, AttrFlowControlPause); v != "" {
		p, err := parseBoundedInt(AttrFlowControlPause, v, 0, int64(^uint32(0)>>1))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, e.DN, err)
		}
		a.flowControlPause = int(p)
	}

	if v := entryValue(e, AttrIgnoreMissingChange); v != "" {
		if im, ok := parseIgnoreMissing(v); ok {
			a.ignoreMissing = im
		}
	}

	if v := entryValue(e, AttrProtocolTimeout); v != "" {
		pt, err := parseBoundedInt(AttrProtocolTimeout, v, 0, int64(^uint32(0)>>1))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, e.DN, err)
		}
		a.protocolTimeout.Store(pt)
	}

	a.enabled = true
	if v := entryValue(e, AttrEnabled); v != "" {
		switch {
		case strings.EqualFold(v, "off"):
			a.enabled = false
		case strings.EqualFold(v, "on"):
			a.enabled = true
		default:
			return nil, fmt.Errorf("%w: %s: invalid value for %s (%s), the value must be \"on\" or \"off\"", ErrConfigInvalid, e.DN, AttrEnabled, v)
		}
	}

	if env.Schedules != nil {
		a.schedule = env.Schedules()
		if vals := entryValues(e, AttrSchedule); len(vals) > 0 {
			if err := a.schedule.Update(vals); err != nil {
				a.log.Warnf("%s: bad %s: %v", e.DN, AttrSchedule, err)
			}
		}
		a.schedule.NotifyWindowChange(a.windowStateChanged)
	}

	if v := entryValue(e, AttrBusyWaitTime); v != "" {
		bw, err := parseBoundedInt(AttrBusyWaitTime, v, 0, int64(^uint32(0)>>1))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, e.DN, err)
		}
		a.busyWait = bw
	}
	if v := entryValue(e, AttrSessionPauseTime); v != "" {
		pt, err := parseBoundedInt(AttrSessionPauseTime, v, 0, int64(^uint32(0)>>1))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, e.DN, err)
		}
		a.pause = pt
	}

	a.consumerRID = 0
	a.recomputeLongName()

	a.sessionPrefix = computeSessionPrefix(root, env.LocalHost, env.Local.Port, env.Local.SecurePort)
	a.sessionCounter = 1
	a.sessionID = initialSessionTag(a.sessionPrefix)

	if entryHasObjectClass(e, ObjectClassWindowsAgreement) {
		a.typ = TypeWindows
	}

	// Restart carry-over of the last total refresh bookkeeping.
	if v := entryValue(e, AttrLastInitEnd); v != "" {
		if t, err := parseGeneralizedTime(v); err == nil {
			a.lastInitEnd = t
		}
	}
	if v := entryValue(e, AttrLastInitStart); v != "" {
		if t, err := parseGeneralizedTime(v); err == nil {
			a.lastInitStart = t
		}
	}
	a.lastInitStatus = entryValue(e, AttrLastInitStatus)

	a.changeCounters = make([]*changeCounter, 0, MaxSuppliers)

	frac, denied, err := a.parseFractionalConfig(entryValues(e, AttrFractionalList), env)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, e.DN, err)
	}
	if len(denied) > 0 {
		a.log.Errorf("%s: attempt to exclude illegal attributes from a fractional agreement: %s",
			a.longName, strings.Join(denied, " "))
		return nil, fmt.Errorf("%w: %s: fractional list excludes forbidden attributes: %s", ErrConfigInvalid, e.DN, strings.Join(denied, " "))
	}
	a.fracAttrs = frac
	a.fracAttrSet = attrSet(frac)

	if vals := entryValues(e, AttrFractionalListTotal); len(vals) > 0 {
		total, deniedTotal, err := parseFractionalValues(vals)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, e.DN, err)
		}
		if len(deniedTotal) > 0 {
			return nil, fmt.Errorf("%w: %s: total fractional list excludes forbidden attributes: %s", ErrConfigInvalid, e.DN, strings.Join(deniedTotal, " "))
		}
		a.fracAttrsTotal = total
		a.fracTotalDefined = true
	}

	if v := entryValue(e, AttrStripAttrs); v != "" {
		a.stripAttrs = strings.Fields(v)
	}
	a.stripAttrSet = attrSet(a.stripAttrs)

	if err := a.validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// parseFractionalConfig parses the agreement's own exclude values and
// merges in the process-wide default exclude list from the plugin
// default config entry. Forbidden names are filtered out and returned.
func (a *Agreement) parseFractionalConfig(values []string, env Env) (kept, denied []string, err error) {
	attrs, denied, err := parseFractionalValues(values)
	if err != nil {
		return nil, nil, err
	}

	if env.Dir != nil {
		if defaults, derr := env.Dir.SearchEntry(config.PluginDefaultConfigDN, "", AttrFractionalList); derr == nil && defaults != nil {
			for _, v := range entryValues(defaults, AttrFractionalList) {
				parsed, perr := parseExcludeList(v)
				if perr != nil {
					a.log.Errorf("failed to parse default config (%s) attribute %s value: %s",
						config.PluginDefaultConfigDN, AttrFractionalList, v)
					continue
				}
				extra, extraDenied := filterForbiddenAttrs(parsed)
				if len(extraDenied) > 0 {
					a.log.Errorf("default fractional list excludes forbidden attributes: %s", strings.Join(extraDenied, " "))
				}
				attrs = mergeAttrsNoDup(attrs, extra)
			}
		}
	}
	return attrs, denied, nil
}

// parseFractionalValues parses entry-supplied exclude values and splits
// off the forbidden names.
func parseFractionalValues(values []string) (kept, denied []string, err error) {
	var attrs []string
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		parsed, perr := parseExcludeList(v)
		if perr != nil {
			return nil, nil, perr
		}
		attrs = mergeAttrsNoDup(attrs, parsed)
	}
	if attrs == nil {
		return nil, nil, nil
	}
	kept, denied = filterForbiddenAttrs(attrs)
	return kept, denied, nil
}
