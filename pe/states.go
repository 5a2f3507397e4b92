package pe

import (
	"context"
	"time"

	"github.com/gotypec/pdsink/dpm"
	"github.com/gotypec/pdsink/evtbus"
	"github.com/gotypec/pdsink/pdmsg"
)

// The state names follow the USB-PD standard's own sink policy state names.

var stateStartup = &peState{Name: "startup", Run: func(ctx context.Context, p *PE) *peState {
	p.explicitContract = false
	if s, ok := p.DPM.(dpm.Starter); ok {
		s.PDStart()
	}
	return stateDiscovery
}}

var stateDiscovery = &peState{Name: "discovery", Run: func(ctx context.Context, p *PE) *peState {
	// Bus-powered sink: VBUS is assumed present without a separate sense.
	return stateWaitCap
}}

var stateWaitCap = &peState{Name: "wait-cap", Run: func(ctx context.Context, p *PE) *peState {
	for {
		got := p.Events.WaitTimeout(ctx, evtbus.PEMsgRx|evtbus.PEIOverTemp|evtbus.PEReset, tTypeCSinkWaitCap)
		if ctx.Err() != nil {
			return nil
		}

		// Wait/WaitTimeout clear every matched bit in one call, so a
		// co-pending PEMsgRx must be drained here even if another bit below
		// ends up deciding the next state -- otherwise the handle is
		// orphaned in RxMailbox, holding a pool slot forever.
		var msg pdmsg.Message
		haveMsg := false
		if got&evtbus.PEMsgRx != 0 {
			if h, ok := p.receiveMessage(); ok {
				msg = *p.Pool.Get(h)
				p.Pool.Free(h)
				haveMsg = true
			}
		}

		switch {
		case got == 0:
			return stateHardReset
		case got&evtbus.PEReset != 0:
			return stateTransitionDefault
		case got&evtbus.PEIOverTemp != 0:
			continue
		case haveMsg:
			if msg.IsData() && msg.Type() == pdmsg.TypeSourceCap && msg.DataObjectCount() > 0 {
				p.storeSourceCap(msg)
				p.negotiateRevision(msg.Revision())
				return stateEvalCap
			}
			if !msg.IsData() && msg.Type() == pdmsg.TypeSoftReset {
				return stateSoftReset
			}
			return stateHardReset
		default:
			continue
		}
	}
}}

var stateEvalCap = &peState{Name: "eval-cap", Run: func(ctx context.Context, p *PE) *peState {
	p.lastPPS = 8
	pos := p.requestDO.SelectedObjectPosition()
	if pos > 0 && pos <= p.sourceCapCount && p.sourceCapPDOs[pos-1].Type() == pdmsg.PDOTypePPS {
		p.lastPPS = pos
	}

	if p.DPM != nil {
		p.requestDO = p.DPM.EvaluateCapability(p.sourceCapPDOs[:p.sourceCapCount])
	} else {
		p.requestDO = pdmsg.EmptyRequestDO
	}
	return stateSelectCap
}}

var stateSelectCap = &peState{Name: "select-cap", Run: func(ctx context.Context, p *PE) *peState {
	rdo := p.requestDO
	if rdo == pdmsg.EmptyRequestDO {
		rdo = defaultRequestDO
	}
	if !p.postMessage(p.requestMessage(rdo)) {
		return stateHardReset
	}

	got := p.Events.Wait(ctx, evtbus.PETxDone|evtbus.PETxErr|evtbus.PEReset)
	if ctx.Err() != nil {
		return nil
	}
	if got&evtbus.PEReset != 0 {
		return stateTransitionDefault
	}
	if got&evtbus.PETxErr != 0 {
		return stateHardReset
	}

	pos := rdo.SelectedObjectPosition()
	if p.revision == pdmsg.Revision30 && pos > 0 && pos <= p.sourceCapCount &&
		p.sourceCapPDOs[pos-1].Type() == pdmsg.PDOTypePPS {
		p.armPPSTimer(ctx)
	} else {
		p.disarmPPSTimer()
	}

	for {
		got = p.Events.WaitTimeout(ctx, evtbus.PEMsgRx|evtbus.PEReset, tSenderResponse)
		if ctx.Err() != nil {
			return nil
		}

		var msg pdmsg.Message
		haveMsg := false
		if got&evtbus.PEMsgRx != 0 {
			if h, ok := p.receiveMessage(); ok {
				msg = *p.Pool.Get(h)
				p.Pool.Free(h)
				haveMsg = true
			}
		}

		if got == 0 {
			return stateHardReset
		}
		if got&evtbus.PEReset != 0 {
			return stateTransitionDefault
		}
		if !haveMsg {
			continue
		}

		if msg.IsData() {
			return stateSendSoftReset
		}
		switch msg.Type() {
		case pdmsg.TypeAccept:
			if rdo.SelectedObjectPosition() != p.lastPPS {
				p.DPM.TransitionStandby()
			}
			p.minPower = false
			return stateTransitionSink
		case pdmsg.TypeSoftReset:
			return stateSoftReset
		case pdmsg.TypeReject, pdmsg.TypeWait:
			if !p.explicitContract {
				return stateWaitCap
			}
			p.minPower = msg.Type() == pdmsg.TypeWait
			return stateReady
		default:
			return stateSendSoftReset
		}
	}
}}

var stateTransitionSink = &peState{Name: "transition-sink", Run: func(ctx context.Context, p *PE) *peState {
	for {
		got := p.Events.WaitTimeout(ctx, evtbus.PEMsgRx|evtbus.PEReset, tPSTransition)
		if ctx.Err() != nil {
			return nil
		}

		var msg pdmsg.Message
		haveMsg := false
		if got&evtbus.PEMsgRx != 0 {
			if h, ok := p.receiveMessage(); ok {
				msg = *p.Pool.Get(h)
				p.Pool.Free(h)
				haveMsg = true
			}
		}

		if got == 0 {
			return stateHardReset
		}
		if got&evtbus.PEReset != 0 {
			return stateTransitionDefault
		}
		if !haveMsg {
			continue
		}

		if !msg.IsData() && msg.Type() == pdmsg.TypePSReady {
			p.explicitContract = true
			if !p.minPower {
				p.DPM.TransitionRequested()
			}
			return stateReady
		}
		p.DPM.TransitionDefault()
		return stateHardReset
	}
}}

var stateReady = &peState{Name: "ready", Run: func(ctx context.Context, p *PE) *peState {
	const mask = evtbus.PEMsgRx | evtbus.PEReset | evtbus.PEIOverTemp | evtbus.PEGetSourceCap | evtbus.PENewPower | evtbus.PEPPSRequest

	for {
		var got evtbus.Bits
		if p.minPower {
			got = p.Events.WaitTimeout(ctx, mask, tSinkRequest)
		} else {
			got = p.Events.Wait(ctx, mask)
		}
		if ctx.Err() != nil {
			return nil
		}

		// Wait/WaitTimeout clear every matched bit in one call, so a
		// co-pending PEMsgRx must be drained here even when one of the
		// other bits below ends up deciding the next state -- otherwise
		// the handle is orphaned in RxMailbox, holding a pool slot forever
		// since the PEMsgRx bit that would normally prompt a drain has
		// already been cleared.
		var msg pdmsg.Message
		haveMsg := false
		if got&evtbus.PEMsgRx != 0 {
			if h, ok := p.receiveMessage(); ok {
				msg = *p.Pool.Get(h)
				p.Pool.Free(h)
				haveMsg = true
			}
		}

		switch {
		case got == 0: // only reachable via the min-power T_SINK_REQUEST timeout
			return stateSelectCap
		case got&evtbus.PEReset != 0:
			return stateTransitionDefault
		case got&evtbus.PEIOverTemp != 0:
			return stateHardReset
		case got&evtbus.PEGetSourceCap != 0:
			p.armAMS()
			return stateGetSourceCap
		case got&evtbus.PENewPower != 0:
			p.armAMS()
			return stateEvalCap
		case got&evtbus.PEPPSRequest != 0:
			p.armAMS()
			return stateSelectCap
		case haveMsg:
			if msg.IsData() {
				switch msg.Type() {
				case pdmsg.TypeVendorDefined:
					continue
				case pdmsg.TypeSourceCap:
					if msg.DataObjectCount() == 0 {
						return stateSendSoftReset
					}
					p.storeSourceCap(msg)
					return stateEvalCap
				case pdmsg.TypeRequest, pdmsg.TypeSinkCap:
					return stateSendNotSupported
				default:
					if msg.IsExtended() && p.revision == pdmsg.Revision30 {
						return stateChunkReceived
					}
					return stateSendSoftReset
				}
			}

			switch msg.Type() {
			case pdmsg.TypePing:
				continue
			case pdmsg.TypeDRSwap, pdmsg.TypePRSwap, pdmsg.TypeVCONNSwap, pdmsg.TypeGetSourceCap:
				return stateSendNotSupported
			case pdmsg.TypeGotoMin:
				if g, ok := p.DPM.(dpm.GivebackEnabler); ok && g.GivebackEnabled() {
					p.DPM.TransitionMin()
					p.minPower = true
					return stateTransitionSink
				}
				return stateSendNotSupported
			case pdmsg.TypeGetSinkCap:
				return stateGiveSinkCap
			case pdmsg.TypeSoftReset:
				return stateSoftReset
			case pdmsg.TypeNotSupported:
				return stateNotSupportedReceived
			default:
				return stateSendSoftReset
			}
		default:
			continue
		}
	}
}}

var stateGetSourceCap = &peState{Name: "get-source-cap", Run: func(ctx context.Context, p *PE) *peState {
	if !p.postMessage(p.controlMessage(pdmsg.TypeGetSourceCap)) {
		return stateHardReset
	}
	outcome, ok := p.sendAndWait(ctx)
	if !ok {
		return nil
	}
	switch outcome {
	case txOutcomeReset:
		return stateTransitionDefault
	case txOutcomeErr:
		return stateHardReset
	default:
		return stateReady
	}
}}

var stateGiveSinkCap = &peState{Name: "give-sink-cap", Run: func(ctx context.Context, p *PE) *peState {
	caps := p.DPM.GetSinkCapability()
	m := p.msgTpl
	m.SetType(pdmsg.TypeSinkCap)
	m.SetRevision(p.revision)
	n := len(caps)
	if n > pdmsg.MaxDataObjects {
		n = pdmsg.MaxDataObjects
	}
	m.SetDataObjectCount(uint8(n))
	for i := 0; i < n; i++ {
		m.Data[i] = uint32(caps[i])
	}
	if !p.postMessage(m) {
		return stateHardReset
	}
	outcome, ok := p.sendAndWait(ctx)
	if !ok {
		return nil
	}
	switch outcome {
	case txOutcomeReset:
		return stateTransitionDefault
	case txOutcomeErr:
		return stateHardReset
	default:
		return stateReady
	}
}}

var stateSendSoftReset = &peState{Name: "send-soft-reset", Run: func(ctx context.Context, p *PE) *peState {
	if !p.postMessage(p.controlMessage(pdmsg.TypeSoftReset)) {
		return stateHardReset
	}
	outcome, ok := p.sendAndWait(ctx)
	if !ok {
		return nil
	}
	switch outcome {
	case txOutcomeReset:
		return stateTransitionDefault
	case txOutcomeErr:
		return stateHardReset
	}

	for {
		got := p.Events.WaitTimeout(ctx, evtbus.PEMsgRx|evtbus.PEReset, tSenderResponse)
		if ctx.Err() != nil {
			return nil
		}

		var msg pdmsg.Message
		haveMsg := false
		if got&evtbus.PEMsgRx != 0 {
			if h, ok := p.receiveMessage(); ok {
				msg = *p.Pool.Get(h)
				p.Pool.Free(h)
				haveMsg = true
			}
		}

		if got == 0 {
			return stateHardReset
		}
		if got&evtbus.PEReset != 0 {
			return stateTransitionDefault
		}
		if !haveMsg {
			continue
		}

		if !msg.IsData() && (msg.Type() == pdmsg.TypeAccept || msg.Type() == pdmsg.TypeSoftReset) {
			return stateWaitCap
		}
		return stateHardReset
	}
}}

var stateSendNotSupported = &peState{Name: "send-not-supported", Run: func(ctx context.Context, p *PE) *peState {
	t := pdmsg.TypeReject
	if p.revision == pdmsg.Revision30 {
		t = pdmsg.TypeNotSupported
	}
	if !p.postMessage(p.controlMessage(t)) {
		return stateSendSoftReset
	}
	outcome, ok := p.sendAndWait(ctx)
	if !ok {
		return nil
	}
	switch outcome {
	case txOutcomeReset:
		return stateTransitionDefault
	case txOutcomeErr:
		return stateSendSoftReset
	default:
		return stateReady
	}
}}

var stateSoftReset = &peState{Name: "soft-reset", Run: func(ctx context.Context, p *PE) *peState {
	if !p.postMessage(p.controlMessage(pdmsg.TypeAccept)) {
		return stateHardReset
	}
	outcome, ok := p.sendAndWait(ctx)
	if !ok {
		return nil
	}
	switch outcome {
	case txOutcomeReset:
		return stateTransitionDefault
	case txOutcomeErr:
		return stateHardReset
	default:
		return stateWaitCap
	}
}}

var stateHardReset = &peState{Name: "hard-reset", Run: func(ctx context.Context, p *PE) *peState {
	if p.hardResetCounter > nHardResetCount {
		return stateSourceUnresponsive
	}
	p.Targets.HardReset.Set(evtbus.HardResetReset)
	p.Events.Wait(ctx, evtbus.PEHardSent)
	if ctx.Err() != nil {
		return nil
	}
	p.hardResetCounter++
	return stateTransitionDefault
}}

var stateTransitionDefault = &peState{Name: "transition-default", Run: func(ctx context.Context, p *PE) *peState {
	p.explicitContract = false
	p.revision = pdmsg.Revision10
	p.DPM.TransitionDefault()
	p.Targets.HardReset.Set(evtbus.HardResetDone)
	return stateStartup
}}

var stateChunkReceived = &peState{Name: "chunk-received", Run: func(ctx context.Context, p *PE) *peState {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(tChunkingNotSupported):
	}
	return stateSendNotSupported
}}

var stateNotSupportedReceived = &peState{Name: "not-supported-received", Run: func(ctx context.Context, p *PE) *peState {
	if n, ok := p.DPM.(dpm.NotSupportedNotifier); ok {
		n.NotSupportedReceived()
	}
	return stateReady
}}

var stateSourceUnresponsive = &peState{Name: "source-unresponsive", Run: func(ctx context.Context, p *PE) *peState {
	if ev, ok := p.DPM.(dpm.TypeCEvaluator); ok {
		cur, err := p.Driver.GetTypeCCurrent()
		if err == nil {
			judged := ev.EvaluateTypeCCurrent(cur)
			if p.haveLastTypeC && judged == p.lastTypeCJudged {
				p.DPM.TransitionTypeC(cur)
			}
			p.lastTypeCJudged = judged
			p.haveLastTypeC = true
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(tPDDebounce):
	}
	return stateSourceUnresponsive
}}
