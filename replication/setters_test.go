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
	"errors"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"

	"github.com/dirsrvd/dirsrvd/testpartitioning"
)

// attrEntry builds a bare entry carrying only the attributes a
// reconfiguration delivers.
func attrEntry(attrs map[string][]string) *ldap.Entry {
	return ldap.NewEntry(testAgmtDN, attrs)
}

func TestSetHostPortRefreshLongName(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, nil)

	require.NoError(t, a.SetHostFromEntry(attrEntry(map[string][]string{AttrHost: {"new.example.com"}})))
	require.Equal(t, "new.example.com", a.Hostname())
	require.Equal(t, `agmt="agmt1" (new.example.com:389)`, a.LongName())

	require.NoError(t, a.SetPortFromEntry(attrEntry(map[string][]string{AttrPort: {"10389"}})))
	require.Equal(t, 10389, a.Port())
	require.Equal(t, `agmt="agmt1" (new.example.com:10389)`, a.LongName())

	require.ErrorIs(t, a.SetHostFromEntry(attrEntry(nil)), ErrConfigConflict)
	require.ErrorIs(t, a.SetPortFromEntry(attrEntry(map[string][]string{AttrPort: {"70000"}})), ErrConfigConflict)
	require.ErrorIs(t, a.SetPortFromEntry(attrEntry(map[string][]string{AttrPort: {"nope"}})), ErrConfigConflict)
	require.Equal(t, 10389, a.Port())
}

func TestSetCredentialsRollbackOnConflict(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, nil)

	// SIMPLE requires a credential, so removing it is rejected and the
	// old value survives.
	require.ErrorIs(t, a.SetCredentialsFromEntry(attrEntry(nil)), ErrConfigConflict)
	require.Equal(t, "secret", a.Credentials())

	require.NoError(t, a.SetCredentialsFromEntry(attrEntry(map[string][]string{AttrCredentials: {"changed"}})))
	require.Equal(t, "changed", a.Credentials())

	require.ErrorIs(t, a.SetBindDNFromEntry(attrEntry(nil)), ErrConfigConflict)
	require.Equal(t, "cn=replication manager,cn=config", a.BindDN())
}

func TestSetBindMethod(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, nil)

	require.ErrorIs(t,
		a.SetBindMethodFromEntry(attrEntry(map[string][]string{AttrBindMethod: {"KERBEROS"}})),
		ErrConfigConflict)
	require.Equal(t, BindSimple, a.BindMethod())

	// Client certificate auth over a plaintext transport is
	// inconsistent; the candidate value is rolled back.
	require.ErrorIs(t,
		a.SetBindMethodFromEntry(attrEntry(map[string][]string{AttrBindMethod: {"SSLCLIENTAUTH"}})),
		ErrConfigConflict)
	require.Equal(t, BindSimple, a.BindMethod())

	require.NoError(t,
		a.SetBindMethodFromEntry(attrEntry(map[string][]string{AttrBindMethod: {"SASL/GSSAPI"}})))
	require.Equal(t, BindSASLGSSAPI, a.BindMethod())
}

func TestSetTransportInfo(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, nil)

	// An unrecognized flavor is logged and ignored.
	require.NoError(t,
		a.SetTransportInfoFromEntry(attrEntry(map[string][]string{AttrTransportInfo: {"carrier pigeon"}})))
	require.Equal(t, TransportPlain, a.Transport())

	require.NoError(t,
		a.SetTransportInfoFromEntry(attrEntry(map[string][]string{AttrTransportInfo: {"SSL"}})))
	require.Equal(t, TransportTLS, a.Transport())

	require.NoError(t,
		a.SetTransportInfoFromEntry(attrEntry(map[string][]string{AttrTransportInfo: {"StartTLS"}})))
	require.Equal(t, TransportStartTLS, a.Transport())
}

func TestSetBootstrapQuartet(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, nil)

	require.NoError(t, a.SetBootstrapBindDNFromEntry(attrEntry(map[string][]string{
		AttrBootstrapBindDN: {"cn=bootstrap,cn=config"},
	})))
	require.Equal(t, "cn=bootstrap,cn=config", a.BootstrapBindDN())

	require.NoError(t, a.SetBootstrapCredentialsFromEntry(attrEntry(map[string][]string{
		AttrBootstrapCredentials: {"fallback"},
	})))
	require.True(t, a.HasBootstrapCredentials())

	// The fallback method only admits SIMPLE and SSLCLIENTAUTH.
	require.ErrorIs(t, a.SetBootstrapBindMethodFromEntry(attrEntry(map[string][]string{
		AttrBootstrapBindMethod: {"SASL/GSSAPI"},
	})), ErrConfigConflict)
	require.NoError(t, a.SetBootstrapBindMethodFromEntry(attrEntry(map[string][]string{
		AttrBootstrapBindMethod: {"SSLCLIENTAUTH"},
	})))
	require.Equal(t, BindSSLClientAuth, a.BootstrapBindMethod())

	// Unlike the primary transport, an unrecognized fallback flavor is
	// an error.
	require.ErrorIs(t, a.SetBootstrapTransportInfoFromEntry(attrEntry(map[string][]string{
		AttrBootstrapTransportInfo: {"carrier pigeon"},
	})), ErrConfigConflict)
	require.NoError(t, a.SetBootstrapTransportInfoFromEntry(attrEntry(map[string][]string{
		AttrBootstrapTransportInfo: {"LDAPS"},
	})))
	require.Equal(t, TransportTLS, a.BootstrapTransport())
}

func TestNumericSetters(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, nil)

	require.NoError(t, a.SetTimeoutFromEntry(attrEntry(map[string][]string{AttrTimeout: {"300"}})))
	require.Equal(t, int64(300), a.Timeout())
	require.ErrorIs(t, a.SetTimeoutFromEntry(attrEntry(map[string][]string{AttrTimeout: {"-1"}})), ErrConfigConflict)
	require.ErrorIs(t, a.SetTimeout(-5), ErrConfigConflict)
	require.Equal(t, int64(300), a.Timeout())

	require.NoError(t, a.SetBusyWaitTimeFromEntry(attrEntry(map[string][]string{AttrBusyWaitTime: {"30"}})))
	require.Equal(t, int64(30), a.BusyWaitTime())

	require.NoError(t, a.SetPauseTimeFromEntry(attrEntry(map[string][]string{AttrSessionPauseTime: {"10"}})))
	require.Equal(t, int64(10), a.PauseTime())

	require.NoError(t, a.SetFlowControlWindowFromEntry(attrEntry(map[string][]string{AttrFlowControlWindow: {"500"}})))
	require.Equal(t, 500, a.FlowControlWindow())
	require.ErrorIs(t, a.SetFlowControlWindow(-1), ErrConfigConflict)

	require.NoError(t, a.SetFlowControlPauseFromEntry(attrEntry(map[string][]string{AttrFlowControlPause: {"750"}})))
	require.Equal(t, 750, a.FlowControlPause())
	require.ErrorIs(t, a.SetFlowControlPause(-1), ErrConfigConflict)
}

func TestSetWaitForAsyncResults(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, nil)

	require.NoError(t, a.SetWaitForAsyncResultsFromEntry(attrEntry(map[string][]string{
		AttrWaitForAsyncResults: {"250"},
	})))
	require.Equal(t, 250, a.WaitForAsyncResults())

	// Absent or unparsable values fall back to the default.
	require.NoError(t, a.SetWaitForAsyncResultsFromEntry(attrEntry(nil)))
	require.Equal(t, defaultWaitForAsyncResultsMS, a.WaitForAsyncResults())

	require.NoError(t, a.SetWaitForAsyncResultsFromEntry(attrEntry(map[string][]string{
		AttrWaitForAsyncResults: {"soon"},
	})))
	require.Equal(t, defaultWaitForAsyncResultsMS, a.WaitForAsyncResults())
}

func TestSetIgnoreMissing(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, nil)

	require.NoError(t, a.SetIgnoreMissingFromEntry(attrEntry(map[string][]string{
		AttrIgnoreMissingChange: {"always"},
	})))
	require.Equal(t, IgnoreMissingAlways, a.IgnoreMissingChange())

	require.ErrorIs(t, a.SetIgnoreMissingFromEntry(attrEntry(map[string][]string{
		AttrIgnoreMissingChange: {"sometimes"},
	})), ErrConfigConflict)
	require.Equal(t, IgnoreMissingAlways, a.IgnoreMissingChange())

	// Resetting to never also removes the persisted attribute so the
	// reset survives restart.
	require.NoError(t, a.SetIgnoreMissing(IgnoreMissingNever))
	require.Equal(t, IgnoreMissingNever, a.IgnoreMissingChange())
	require.Equal(t, 1, f.dir.modCount())
	mod := f.dir.lastMod()
	require.Equal(t, testAgmtDN, mod.dn)
	require.Len(t, mod.changes, 1)
	require.Equal(t, uint(ldap.DeleteAttribute), uint(mod.changes[0].Operation))
	require.Equal(t, AttrIgnoreMissingChange, mod.changes[0].Modification.Type)
}

func TestSetScheduleFromEntry(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, nil)

	require.NoError(t, a.SetScheduleFromEntry(attrEntry(map[string][]string{
		AttrSchedule: {"0800-2200 12345"},
	})))
	f.sched.mu.Lock()
	vals := f.sched.vals
	f.sched.mu.Unlock()
	require.Equal(t, []string{"0800-2200 12345"}, vals)

	f.sched.mu.Lock()
	f.sched.updErr = errors.New("bad calendar")
	f.sched.mu.Unlock()
	require.ErrorIs(t, a.SetScheduleFromEntry(attrEntry(map[string][]string{
		AttrSchedule: {"garbage"},
	})), ErrConfigConflict)
}

func TestSettersNotifyRunningProtocol(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, nil)
	require.NoError(t, a.Start())

	require.NoError(t, a.SetTimeout(60))
	f.prot.mu.Lock()
	changed := f.prot.agmtChanged
	f.prot.mu.Unlock()
	require.Equal(t, 1, changed)
}

func TestSettersDroppedDuringStop(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, nil)

	a.mu.Lock()
	a.stopInProgress = true
	a.mu.Unlock()

	require.NoError(t, a.SetTimeout(55))
	require.Equal(t, int64(DefaultTimeout/time.Second), a.Timeout())
}

func TestSetReplicatedAttributes(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, nil)

	require.NoError(t, a.SetReplicatedAttributesFromEntry(attrEntry(map[string][]string{
		AttrFractionalList: {"(objectclass=*) $ EXCLUDE telephoneNumber"},
	}), f.env))
	require.Equal(t, []string{"telephoneNumber"}, a.FractionalAttrs())
	require.True(t, a.IsFractionalAttr("telephonenumber"))

	require.ErrorIs(t, a.SetReplicatedAttributesFromEntry(attrEntry(map[string][]string{
		AttrFractionalList: {"(objectclass=*) $ EXCLUDE nsuniqueid"},
	}), f.env), ErrConfigConflict)
	require.Equal(t, []string{"telephoneNumber"}, a.FractionalAttrs())

	// Clearing the attribute turns the agreement back into a full one.
	require.NoError(t, a.SetReplicatedAttributesFromEntry(attrEntry(nil), f.env))
	require.False(t, a.IsFractional())
}

func TestSetReplicatedAttributesTotal(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, map[string][]string{
		AttrFractionalList: {"(objectclass=*) $ EXCLUDE telephoneNumber"},
	})

	require.NoError(t, a.SetReplicatedAttributesTotalFromEntry(attrEntry(map[string][]string{
		AttrFractionalListTotal: {"(objectclass=*) $ EXCLUDE jpegPhoto"},
	})))
	require.Equal(t, []string{"jpegPhoto"}, a.FractionalAttrsTotal())

	require.ErrorIs(t, a.SetReplicatedAttributesTotalFromEntry(attrEntry(map[string][]string{
		AttrFractionalListTotal: {"(objectclass=*) $ EXCLUDE objectclass"},
	})), ErrConfigConflict)

	// Undefining the total list falls back to the incremental one.
	require.NoError(t, a.SetReplicatedAttributesTotalFromEntry(attrEntry(nil)))
	require.Equal(t, []string{"telephoneNumber"}, a.FractionalAttrsTotal())
}

func TestSetStripAttrs(t *testing.T) {
	testpartitioning.PartitionTest(t)

	f := newFixture(t)
	a := f.agreement(t, nil)

	require.NoError(t, a.SetStripAttrsFromEntry(attrEntry(map[string][]string{
		AttrStripAttrs: {"modifyTimestamp internalModifiersName"},
	})))
	require.Equal(t, []string{"modifyTimestamp", "internalModifiersName"}, a.StripAttrs())

	require.NoError(t, a.SetStripAttrsFromEntry(attrEntry(nil)))
	require.Empty(t, a.StripAttrs())
}
