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
	"time"

	"github.com/go-ldap/ldap/v3"
)

// generalizedTimeLayout is the LDAP generalized time form the init
// timestamps are persisted in.
const generalizedTimeLayout = "20060102150405Z"

// formatGeneralizedTime renders t in generalized time. The zero value
// renders as the epoch, 19700101000000Z.
func formatGeneralizedTime(t time.Time) string {
	if t.IsZero() {
		return "19700101000000Z"
	}
	return t.UTC().Format(generalizedTimeLayout)
}

// parseGeneralizedTime parses a persisted generalized time value. The
// epoch renders back to the zero value so a restart round-trips "never".
func parseGeneralizedTime(s string) (time.Time, error) {
	t, err := time.Parse(generalizedTimeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	if t.Unix() == 0 {
		return time.Time{}, nil
	}
	return t, nil
}

// statusDate is the ISO-8601 UTC date carried in the status JSON lines.
func statusDate(now time.Time) string {
	return now.UTC().Format("2006-01-02T15:04:05Z")
}

const (
	statusGood    = "green"
	statusWarning = "amber"
	statusBad     = "red"
)

func updateStatusJSON(state string, ldapRC int, repl ReplResponse, human string, now time.Time) string {
	return fmt.Sprintf(
		`{"state": "%s", "ldap_rc": "%d", "ldap_rc_text": "%s", "repl_rc": "%d", "repl_rc_text": "%s", "date": "%s", "message": "%s"}`,
		state, ldapRC, ldapResultText(ldapRC), int(repl), repl.String(),
		statusDate(now), human)
}

func initStatusJSON(state string, ldapRC int, repl ReplResponse, conn ConnResult, human string, now time.Time) string {
	return fmt.Sprintf(
		`{"state": "%s", "ldap_rc": "%d", "ldap_rc_text": "%s", "repl_rc": "%d", "repl_rc_text": "%s", "conn_rc": "%d", "conn_rc_text": "%s", "date": "%s", "message": "%s"}`,
		state, ldapRC, ldapResultText(ldapRC), int(repl), repl.String(),
		int(conn), conn.text(), statusDate(now), human)
}

// replText returns the protocol response text for mixing into an
// LDAP-level error line, or "" when the code is unknown. Unknown
// protocol codes are suppressed next to a known LDAP error.
func replText(repl ReplResponse) string {
	if repl == 0 {
		return ""
	}
	s := repl.String()
	if s == "unknown error" {
		return ""
	}
	return s
}

// SetLastUpdateStatus records the outcome of an incremental session
// into the last-update slot. ReplUpToDate means no session was started
// and leaves the slot untouched; all-zero arguments with an empty
// message clear it.
func (a *Agreement) SetLastUpdateStatus(ldapRC int, repl ReplResponse, message string) {
	now := time.Now()

	a.mu.Lock()
	var disabledName string
	switch {
	case repl == ReplUpToDate:
		// No session started, nothing to record.
	case ldapRC != 0:
		replmsg := replText(repl)
		human := fmt.Sprintf("Error (%d) %s%s - LDAP error: %s%s%s%s",
			ldapRC, message, dashUnless(message),
			ldapResultText(ldapRC), openParenIf(replmsg), replmsg, closeParenIf(replmsg))
		a.lastUpdateStatus = human
		a.lastUpdateStatusJSON = updateStatusJSON(statusBad, ldapRC, repl, human, now)
	case repl == ReplReplicaBusy:
		human := fmt.Sprintf("Error (%d) Can't acquire busy replica (%s)", int(repl), message)
		a.lastUpdateStatus = human
		a.lastUpdateStatusJSON = updateStatusJSON(statusWarning, ldapRC, repl, human, now)
	case repl == ReplTransientError || repl == ReplBackoff:
		human := fmt.Sprintf("Error (%d) Can't acquire replica (%s)", int(repl), message)
		a.lastUpdateStatus = human
		a.lastUpdateStatusJSON = updateStatusJSON(statusWarning, ldapRC, repl, human, now)
	case repl == ReplReplicaReleaseSucceeded:
		human := "Error (0) Replication session successful"
		a.lastUpdateStatus = human
		a.lastUpdateStatusJSON = updateStatusJSON(statusGood, ldapRC, repl, human, now)
	case repl == ReplDisabled:
		human := fmt.Sprintf("Error (%d) Incremental update aborted: "+
			"Replication agreement for %s\n can not be updated while the replica is disabled.\n"+
			"(If the suffix is disabled you must enable it then restart the server for replication to take place).",
			int(repl), a.longName)
		a.lastUpdateStatus = human
		a.lastUpdateStatusJSON = updateStatusJSON(statusBad, ldapRC, repl, human, now)
		disabledName = a.longName
	case repl != 0:
		human := fmt.Sprintf("Error (%d) Replication error acquiring replica: %s%s(%s)",
			int(repl), message, spaceIf(message), repl.String())
		a.lastUpdateStatus = human
		a.lastUpdateStatusJSON = updateStatusJSON(statusBad, ldapRC, repl, human, now)
	case message != "":
		human := fmt.Sprintf("Error (0) Replica acquired successfully: %s", message)
		a.lastUpdateStatus = human
		a.lastUpdateStatusJSON = updateStatusJSON(statusGood, ldapRC, repl, human, now)
	default:
		a.lastUpdateStatus = ""
		a.lastUpdateStatusJSON = ""
	}
	a.mu.Unlock()

	if disabledName != "" {
		a.log.Errorf("Incremental update aborted: Replication agreement for %q can not be updated while the replica is disabled", disabledName)
		a.log.Errorf("(If the suffix is disabled you must enable it then restart the server for replication to take place).")
	}
}

// SetLastInitStatus records the outcome of a total refresh into the
// last-init slot. Init carries an extra connection-level result with
// its own string table.
func (a *Agreement) SetLastInitStatus(ldapRC int, repl ReplResponse, conn ConnResult, message string) {
	now := time.Now()

	connmsg := conn.text()
	if conn != ConnOperationSuccess && connmsg == "" {
		connmsg = fmt.Sprintf("Unknown connection error (%d)", int(conn))
	}

	a.mu.Lock()
	var logLines []string
	switch {
	case ldapRC != 0:
		replmsg := replText(repl)
		human := fmt.Sprintf("Error (%d)%s%sLDAP error: %s%s%s%s%s",
			ldapRC, message, dashUnless(message),
			ldapResultText(ldapRC), dashIf(replmsg), replmsg,
			dashIfConn(conn), connIf(conn, connmsg))
		a.lastInitStatus = human
		a.lastInitStatusJSON = initStatusJSON(statusBad, ldapRC, repl, conn, human, now)
	case repl == ReplReplicaReleaseSucceeded:
		a.lastInitStatus = "Replication session successful"
	case repl == ReplDisabled:
		if a.enabled {
			human := fmt.Sprintf("Error (%d) Total update aborted: "+
				"Replication agreement for %q can not be updated while the suffix is disabled.\n"+
				"You must enable it then restart the server for replication to take place).",
				int(repl), a.longName)
			a.lastInitStatus = human
			a.lastInitStatusJSON = initStatusJSON(statusBad, ldapRC, repl, conn, human, now)
			logLines = append(logLines, fmt.Sprintf("Total update aborted: "+
				"Replication agreement for %q can not be updated while the suffix is disabled. "+
				"You must enable it then restart the server for replication to take place).", a.longName))
		} else {
			human := fmt.Sprintf("Error (%d) Total update aborted: "+
				"Replication agreement for %q can not be updated while the agreement is disabled.",
				int(repl), a.longName)
			a.lastInitStatus = human
			a.lastInitStatusJSON = initStatusJSON(statusBad, ldapRC, repl, conn, human, now)
			logLines = append(logLines, fmt.Sprintf("Total update aborted: "+
				"Replication agreement for %q can not be updated while the agreement is disabled", a.longName))
		}
	case repl != 0:
		human := fmt.Sprintf("Error (%d) Replication error acquiring replica: %s%s%s%s%s",
			int(repl), repl.String(),
			dashIf(message), message,
			dashIfConn(conn), connIf(conn, connmsg))
		a.lastInitStatus = human
		a.lastInitStatusJSON = initStatusJSON(statusBad, ldapRC, repl, conn, human, now)
	case conn != ConnOperationSuccess:
		human := fmt.Sprintf("Error (%d) connection error: %s%s%s",
			int(conn), connmsg, dashIf(message), message)
		a.lastInitStatus = human
		a.lastInitStatusJSON = initStatusJSON(statusBad, ldapRC, repl, conn, human, now)
	case message != "":
		human := fmt.Sprintf("Error (%d) %s", ldapRC, message)
		a.lastInitStatus = human
		a.lastInitStatusJSON = initStatusJSON(statusGood, ldapRC, repl, conn, human, now)
	default:
		a.lastInitStatus = ""
		a.lastInitStatusJSON = ""
	}
	a.mu.Unlock()

	for _, line := range logLines {
		a.log.Errorf("%s", line)
	}
}

// dashUnless joins the fixed parts of an LDAP-error line when no
// caller message was supplied.
func dashUnless(message string) string {
	if message != "" {
		return ""
	}
	return " - "
}

func dashIf(s string) string {
	if s != "" {
		return " - "
	}
	return ""
}

func spaceIf(s string) string {
	if s != "" {
		return " "
	}
	return ""
}

func openParenIf(s string) string {
	if s != "" {
		return " ("
	}
	return ""
}

func closeParenIf(s string) string {
	if s != "" {
		return ")"
	}
	return ""
}

func dashIfConn(conn ConnResult) string {
	if conn != ConnOperationSuccess {
		return " - "
	}
	return ""
}

func connIf(conn ConnResult, connmsg string) string {
	if conn != ConnOperationSuccess {
		return connmsg
	}
	return ""
}

// SetLastUpdateStart marks the beginning of an incremental session and
// clears the corresponding end timestamp.
func (a *Agreement) SetLastUpdateStart(start time.Time) {
	a.mu.Lock()
	a.lastUpdateStart = start
	a.lastUpdateEnd = time.Time{}
	a.mu.Unlock()
}

// SetLastUpdateEnd marks the end of an incremental session.
func (a *Agreement) SetLastUpdateEnd(end time.Time) {
	a.mu.Lock()
	a.lastUpdateEnd = end
	a.mu.Unlock()
}

// SetLastInitStart marks the beginning of a total refresh and clears
// the corresponding end timestamp.
func (a *Agreement) SetLastInitStart(start time.Time) {
	a.mu.Lock()
	a.lastInitStart = start
	a.lastInitEnd = time.Time{}
	a.mu.Unlock()
}

// SetLastInitEnd marks the end of a total refresh.
func (a *Agreement) SetLastInitEnd(end time.Time) {
	a.mu.Lock()
	a.lastInitEnd = end
	a.mu.Unlock()
}

func (a *Agreement) LastUpdateStatus() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUpdateStatus
}

func (a *Agreement) LastUpdateStatusJSON() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUpdateStatusJSON
}

func (a *Agreement) LastInitStatus() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastInitStatus
}

func (a *Agreement) LastInitStatusJSON() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastInitStatusJSON
}

func (a *Agreement) LastUpdateStart() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUpdateStart
}

func (a *Agreement) LastUpdateEnd() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUpdateEnd
}

func (a *Agreement) LastInitStart() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastInitStart
}

func (a *Agreement) LastInitEnd() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastInitEnd
}

// PersistInitStatus writes the init slot back to the agreement's
// configuration entry so it survives a restart. The mods are collected
// under the mutex but the modify itself runs outside it; the directory
// modify path re-enters the engine through the change notification
// list, which takes higher-level locks.
func (a *Agreement) PersistInitStatus() {
	a.mu.Lock()
	var changes []ldap.Change
	if !a.lastInitStart.IsZero() {
		changes = append(changes, replaceChange(AttrLastInitStart, formatGeneralizedTime(a.lastInitStart)))
	}
	if !a.lastInitEnd.IsZero() {
		changes = append(changes, replaceChange(AttrLastInitEnd, formatGeneralizedTime(a.lastInitEnd)))
	}
	if a.lastInitStatus != "" {
		changes = append(changes, replaceChange(AttrLastInitStatus, a.lastInitStatus))
	}
	dn := a.dnRaw
	longName := a.longName
	a.mu.Unlock()

	if len(changes) == 0 {
		return
	}
	if err := a.dir.Modify(dn, "", changes); err != nil && !isNoSuchAttribute(err) {
		a.log.Errorf("%s: failed to persist init status: %v", longName, err)
	}
}

// UpdateConsumerRUV writes the most recently delivered consumer RUV
// onto the agreement entry, both the vector itself and the
// last-modified companion values.
func (a *Agreement) UpdateConsumerRUV() {
	a.mu.Lock()
	ruv := a.consumerRUV
	dn := a.dnRaw
	longName := a.longName
	a.mu.Unlock()

	if ruv == nil {
		return
	}
	changes := []ldap.Change{
		{Operation: ldap.ReplaceAttribute, Modification: ldap.PartialAttribute{Type: AttrRUV, Vals: ruv.Values()}},
		{Operation: ldap.ReplaceAttribute, Modification: ldap.PartialAttribute{Type: AttrRUVLastModified, Vals: ruv.LastModified()}},
	}
	if err := a.dir.Modify(dn, "", changes); err != nil && !isNoSuchAttribute(err) {
		a.log.Errorf("%s: failed to update consumer RUV: %v", longName, err)
	}
}

func replaceChange(attr, value string) ldap.Change {
	return ldap.Change{
		Operation:    ldap.ReplaceAttribute,
		Modification: ldap.PartialAttribute{Type: attr, Vals: []string{value}},
	}
}

func isNoSuchAttribute(err error) bool {
	return ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchAttribute)
}

// DecorateEntry overlays the live status of this agreement onto a copy
// of its configuration entry. Persisted values are removed first so
// each attribute comes out single valued.
func (a *Agreement) DecorateEntry(e *ldap.Entry) {
	now := time.Now()

	a.mu.Lock()
	updateStart := a.lastUpdateStart
	updateEnd := a.lastUpdateEnd
	updateStatus := a.lastUpdateStatus
	updateStatusJSON := a.lastUpdateStatusJSON
	initStart := a.lastInitStart
	initEnd := a.lastInitEnd
	initStatus := a.lastInitStatus
	initStatusJSON := a.lastInitStatusJSON
	inProgress := a.updateInProgress
	counters := renderChangeCounters(a.changeCounters)
	a.mu.Unlock()

	entrySetAttr(e, AttrLastUpdateStart, formatGeneralizedTime(updateStart))
	entrySetAttr(e, AttrLastUpdateEnd, formatGeneralizedTime(updateEnd))
	entrySetAttr(e, AttrChangesSentSinceStart, counters)
	if updateStatus == "" {
		const startupStatus = "Error (0) No replication sessions started since server startup"
		entrySetAttr(e, AttrLastUpdateStatus, startupStatus)
		entrySetAttr(e, AttrLastUpdateStatusJSON, fmt.Sprintf(
			`{"state": "green", "ldap_rc": "0", "ldap_rc_text": "success", "repl_rc": "0", "repl_rc_text": "replica acquired", "date": "%s", "message": "%s"}`,
			statusDate(now), startupStatus))
	} else {
		entrySetAttr(e, AttrLastUpdateStatus, updateStatus)
		entrySetAttr(e, AttrLastUpdateStatusJSON, updateStatusJSON)
	}
	if inProgress {
		entrySetAttr(e, AttrUpdateInProgress, "TRUE")
	} else {
		entrySetAttr(e, AttrUpdateInProgress, "FALSE")
	}
	entrySetAttr(e, AttrLastInitStart, formatGeneralizedTime(initStart))
	entrySetAttr(e, AttrLastInitEnd, formatGeneralizedTime(initEnd))
	if initStatus != "" {
		entrySetAttr(e, AttrLastInitStatus, initStatus)
		entrySetAttr(e, AttrLastInitStatusJSON, initStatusJSON)
	}
}

// entrySetAttr replaces any existing values of attr on e with the
// single value given.
func entrySetAttr(e *ldap.Entry, attr, value string) {
	for i, ea := range e.Attributes {
		if strings.EqualFold(ea.Name, attr) {
			e.Attributes[i] = ldap.NewEntryAttribute(attr, []string{value})
			return
		}
	}
	e.Attributes = append(e.Attributes, ldap.NewEntryAttribute(attr, []string{value}))
}
