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

package main

import (
	"time"

	"github.com/dirsrvd/dirsrvd/logging"
	"github.com/dirsrvd/dirsrvd/replication"
)

// logProtocol is a placeholder worker used until a wire protocol is
// attached. It records lifecycle events to the log and keeps the
// agreement status machinery exercised.
type logProtocol struct {
	agmt *replication.Agreement
	log  logging.Logger
}

func makeLogProtocol(log logging.Logger) replication.ProtocolFactory {
	return func(a *replication.Agreement) replication.Protocol {
		return &logProtocol{agmt: a, log: log}
	}
}

func (p *logProtocol) Start() {
	p.log.Infof("%s: protocol started", p.agmt.LongName())
	p.agmt.SetLastUpdateStart(time.Now())
}

func (p *logProtocol) Stop() {
	p.log.Infof("%s: protocol stopped", p.agmt.LongName())
	p.agmt.SetLastUpdateEnd(time.Now())
}

func (p *logProtocol) NotifyUpdate() {
	p.log.Debugf("%s: local change pending", p.agmt.LongName())
}

func (p *logProtocol) NotifyAgmtChanged() {
	p.log.Debugf("%s: agreement configuration changed", p.agmt.LongName())
}

func (p *logProtocol) NotifyWindowOpened() {
	p.log.Debugf("%s: schedule window opened", p.agmt.LongName())
}

func (p *logProtocol) NotifyWindowClosed() {
	p.log.Debugf("%s: schedule window closed", p.agmt.LongName())
}

func (p *logProtocol) UpdateNow() {
	p.log.Infof("%s: immediate update requested", p.agmt.LongName())
}

// alwaysOpenSchedule accepts any schedule configuration and reports the
// window as permanently open.
type alwaysOpenSchedule struct{}

func makeAlwaysOpenSchedule() replication.Schedule {
	return alwaysOpenSchedule{}
}

func (alwaysOpenSchedule) Update([]string) error                { return nil }
func (alwaysOpenSchedule) InWindowNow() bool                    { return true }
func (alwaysOpenSchedule) NotifyWindowChange(func(opened bool)) {}
func (alwaysOpenSchedule) Close()                               {}
