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
	"sync"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"

	"github.com/dirsrvd/dirsrvd/config"
	"github.com/dirsrvd/dirsrvd/logging"
)

const (
	testSubtree = "dc=example,dc=com"
	testAgmtDN  = "cn=agmt1,cn=replica,cn=\"dc=example,dc=com\",cn=mapping tree,cn=config"
)

type recordedMod struct {
	dn       string
	uniqueID string
	changes  []ldap.Change
}

// fakeDir is an in-memory Directory for tests. Entries are keyed by
// folded DN plus unique id.
type fakeDir struct {
	mu      sync.Mutex
	entries map[string]*ldap.Entry
	flavors map[string]string
	mods    []recordedMod
	modErr  error
}

func newFakeDir() *fakeDir {
	return &fakeDir{
		entries: make(map[string]*ldap.Entry),
		flavors: make(map[string]string),
	}
}

func dirKey(dn, uniqueID string) string {
	return strings.ToLower(strings.TrimSpace(dn)) + "\x00" + uniqueID
}

func (d *fakeDir) put(dn, uniqueID string, e *ldap.Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[dirKey(dn, uniqueID)] = e
}

func (d *fakeDir) SearchEntry(dn, uniqueID string, attrs ...string) (*ldap.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[dirKey(dn, uniqueID)]
	if !ok {
		return nil, ldap.NewError(ldap.LDAPResultNoSuchObject, fmt.Errorf("entry %s does not exist", dn))
	}
	return e, nil
}

func (d *fakeDir) Modify(dn, uniqueID string, changes []ldap.Change) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.modErr != nil {
		return d.modErr
	}
	d.mods = append(d.mods, recordedMod{dn: dn, uniqueID: uniqueID, changes: changes})
	return nil
}

func (d *fakeDir) BackendFlavor(suffix string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.flavors[strings.ToLower(suffix)]; ok {
		return f
	}
	return "bdb"
}

func (d *fakeDir) modCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mods)
}

func (d *fakeDir) lastMod() recordedMod {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mods[len(d.mods)-1]
}

// fakeProtocol counts worker notifications.
type fakeProtocol struct {
	mu            sync.Mutex
	started       int
	stopped       int
	updates       int
	agmtChanged   int
	windowOpened  int
	windowClosed  int
	updateNowHits int
}

func (p *fakeProtocol) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started++
}

func (p *fakeProtocol) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped++
}

func (p *fakeProtocol) NotifyUpdate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates++
}

func (p *fakeProtocol) NotifyAgmtChanged() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agmtChanged++
}

func (p *fakeProtocol) NotifyWindowOpened() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.windowOpened++
}

func (p *fakeProtocol) NotifyWindowClosed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.windowClosed++
}

func (p *fakeProtocol) UpdateNow() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateNowHits++
}

func (p *fakeProtocol) counts() (started, stopped, updates int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started, p.stopped, p.updates
}

// fakeSchedule records calendar updates and reports an always-open
// window.
type fakeSchedule struct {
	mu       sync.Mutex
	vals     []string
	callback func(opened bool)
	closed   bool
	updErr   error
}

func (s *fakeSchedule) Update(vals []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updErr != nil {
		return s.updErr
	}
	s.vals = vals
	return nil
}

func (s *fakeSchedule) InWindowNow() bool { return true }

func (s *fakeSchedule) NotifyWindowChange(fn func(opened bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = fn
}

func (s *fakeSchedule) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

type fakeCSN struct {
	str string
	rid uint16
	ts  time.Time
}

func (c fakeCSN) String() string    { return c.str }
func (c fakeCSN) ReplicaID() uint16 { return c.rid }
func (c fakeCSN) Time() time.Time   { return c.ts }

type fakeRUV struct {
	vals    []string
	lastMod []string
}

func (r fakeRUV) Values() []string       { return r.vals }
func (r fakeRUV) LastModified() []string { return r.lastMod }

type fakeConnection struct {
	attrs map[string]string
}

func (c fakeConnection) ReadEntryAttribute(dn, attr string) (string, error) {
	if v, ok := c.attrs[dn]; ok {
		return v, nil
	}
	return "", fmt.Errorf("no such entry %s", dn)
}

// agreementEntry builds a minimal valid agreement entry, with extra
// merged over the baseline attributes.
func agreementEntry(extra map[string][]string) *ldap.Entry {
	attrs := map[string][]string{
		"objectclass":     {"top", ObjectClassAgreement},
		"cn":              {"agmt1"},
		AttrHost:          {"consumer.example.com"},
		AttrPort:          {"389"},
		AttrRoot:          {testSubtree},
		AttrBindDN:        {"cn=replication manager,cn=config"},
		AttrCredentials:   {"secret"},
		AttrBindMethod:    {"SIMPLE"},
		AttrTransportInfo: {"LDAP"},
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return ldap.NewEntry(testAgmtDN, attrs)
}

type testFixture struct {
	dir   *fakeDir
	prot  *fakeProtocol
	sched *fakeSchedule
	env   Env
}

func newFixture(t *testing.T) *testFixture {
	f := &testFixture{
		dir:   newFakeDir(),
		prot:  &fakeProtocol{},
		sched: &fakeSchedule{},
	}
	f.env = Env{
		Dir:       f.dir,
		Protocols: func(*Agreement) Protocol { return f.prot },
		Schedules: func() Schedule { return f.sched },
		Local:     config.GetDefaultLocal(),
		LocalHost: "supplier.example.com",
		Log:       logging.TestingLog(t),
	}
	return f
}

func (f *testFixture) agreement(t *testing.T, extra map[string][]string) *Agreement {
	a, err := NewFromEntry(agreementEntry(extra), f.env)
	require.NoError(t, err)
	return a
}
