// Package dpm defines the Device Policy Manager collaborator interface
// consumed by the Policy Engine and a set of ready-made capability
// policies. Board bring-up and application-specific transition behavior
// remain the caller's responsibility -- dpm only supplies the contract pe
// calls through.
package dpm

import (
	"errors"
	"fmt"
	"io"

	"github.com/gotypec/pdsink/pdmsg"
	"github.com/gotypec/pdsink/phy"
)

// DPM is the Device Policy Manager collaborator interface. Implementations
// decide which PDO/APDO to request and react to the power
// transitions the Policy Engine drives them through.
type DPM interface {
	// EvaluateCapability is called every time PE receives Source_Capabilities.
	// If no PDO is acceptable, it must return pdmsg.EmptyRequestDO. PE expects
	// a prompt response; pdos is only valid for the duration of the call.
	EvaluateCapability(pdos []pdmsg.PDO) pdmsg.RequestDO

	// GetSinkCapability returns this sink's own advertised power profiles,
	// sent in response to a Get_Sink_Cap message.
	GetSinkCapability() []pdmsg.PDO

	// TransitionDefault is called when the port must revert to vSafe5V
	// default operation: after a hard reset, and when a PS_RDY does not
	// follow a Request.
	TransitionDefault()

	// TransitionStandby is called before a power change whose new OBJPOS
	// differs from the last one requested for a PPS profile, giving the DPM
	// a chance to put the load in a safe state before voltage moves.
	TransitionStandby()

	// TransitionRequested is called once PS_RDY confirms the power the DPM
	// last requested via EvaluateCapability is in effect.
	TransitionRequested()

	// TransitionMin is called when the source asks the sink to reduce to
	// the minimum current of the current contract (GotoMin), and the DPM's
	// GivebackEnabler reports true.
	TransitionMin()

	// TransitionTypeC is called when the Policy Engine gives up on PD
	// negotiation (SourceUnresponsive) and falls back to the Type-C current
	// the source is advertising over CC.
	TransitionTypeC(current phy.TypeCCurrent)
}

// Starter is implemented by a DPM that wants a startup hook, called once
// before the Policy Engine begins running its state machine.
type Starter interface {
	PDStart()
}

// GivebackEnabler is implemented by a DPM that supports GiveBack, the
// source's request that the sink reduce to the minimum current of its
// current contract.
type GivebackEnabler interface {
	GivebackEnabled() bool
}

// TypeCEvaluator lets a DPM judge the non-PD Type-C current fallback. The
// returned value is DPM-defined; PE only uses it to compare two
// consecutive samples for the SourceUnresponsive debounce.
type TypeCEvaluator interface {
	EvaluateTypeCCurrent(advertised phy.TypeCCurrent) int
}

// NotSupportedNotifier lets a DPM observe an unsolicited Not_Supported
// reply.
type NotSupportedNotifier interface {
	NotSupportedReceived()
}

// Base provides no-op implementations of the transition hooks. Embed it in
// a DPM that has nothing board-specific to do on a given transition.
type Base struct{}

func (Base) TransitionDefault()                       {}
func (Base) TransitionStandby()                       {}
func (Base) TransitionRequested()                     {}
func (Base) TransitionMin()                           {}
func (Base) TransitionTypeC(current phy.TypeCCurrent) {}

// Policy is the capability-selection half of a DPM: given the source's
// advertised power profiles, it picks a RequestDO. The ready-made policies
// below (CCPolicy, CVPolicy, CPPolicy) implement it.
type Policy interface {
	// Validate returns an error if the policy's parameters are invalid.
	Validate() error
	EvaluateCapability(pdos []pdmsg.PDO) pdmsg.RequestDO
}

// FromPolicy builds a complete DPM out of a capability Policy and a fixed
// set of sink capabilities, using Base's no-op transition hooks. This
// covers the common case of a board with nothing special to do on power
// transitions beyond what the PHY already handles.
type FromPolicy struct {
	Base
	Policy
	SinkCaps []pdmsg.PDO
}

// GetSinkCapability returns the sink capabilities FromPolicy was built with.
func (f FromPolicy) GetSinkCapability() []pdmsg.PDO {
	return f.SinkCaps
}

// CCPolicy defines a constant current policy where the power source is
// expected to drop the voltage if needed to maintain the current under the
// negotiated current. If current is below the negotiated current, the
// source is expected to increase the voltage up to the negotiated voltage.
//
// Constant current capability is only available from sources that support
// Programmable Power Supply (PPS).
type CCPolicy struct {
	// Minimum accepted voltage in millivolts when current is below MaxCurrent.
	MinVoltage uint16

	// Maximum accepted voltage in millivolts when current is below MaxCurrent.
	MaxVoltage uint16

	// Minimum current in milliamps that should be supplied under all load
	// conditions. Per standard, current for this policy (which uses PPS)
	// must be >= 1000mA.
	MinCurrent uint16

	// Maximum current in milliamps that should be supplied under all load
	// conditions. Higher currents up to MaxCurrent are preferred.
	MaxCurrent uint16

	// Prefer lower voltage profiles within range over higher voltage ones.
	PreferLowerVoltage bool
}

var (
	errCCBadCurrent          = errors.New("dpm: current must be >= 1000mA & <= 5000mA")
	errBadVoltage            = errors.New("dpm: voltage must be >= 3300mV & <= 21000mV")
	errCVBadCurrent          = errors.New("dpm: current must be >= 0mA & <= 5000mA")
	errMaxCurrentLessThanMin = errors.New("dpm: max current must be >= min current")
	errMaxVoltageLessThanMin = errors.New("dpm: max voltage must be >= min voltage")
)

// Validate returns an error if the policy parameters are invalid.
func (c CCPolicy) Validate() error {
	if c.MinCurrent < 1000 || c.MaxCurrent < 1000 || c.MinCurrent > 5000 || c.MaxCurrent > 5000 {
		return errCCBadCurrent
	}
	if c.MinVoltage < 3300 || c.MaxVoltage < 3300 || c.MinVoltage > 21000 || c.MaxVoltage > 21000 {
		return errBadVoltage
	}
	if c.MinCurrent > c.MaxCurrent {
		return errMaxCurrentLessThanMin
	}
	if c.MinVoltage > c.MaxVoltage {
		return errMaxVoltageLessThanMin
	}
	return nil
}

// EvaluateCapability evaluates the provided power profiles against the
// policy and returns a RequestDO to negotiate with the source.
func (c CCPolicy) EvaluateCapability(pdos []pdmsg.PDO) pdmsg.RequestDO {
	var bestVoltage uint16
	if c.PreferLowerVoltage {
		bestVoltage = ^uint16(0)
	}
	rdo := pdmsg.EmptyRequestDO
	for i, p := range pdos {
		if p.Type() != pdmsg.PDOTypePPS {
			continue
		}
		pps := pdmsg.PPSPDO(p)
		minV, maxV := c.MinVoltage, c.MaxVoltage
		if minV < pps.MinVoltage() {
			minV = pps.MinVoltage()
		}
		if maxV > pps.MaxVoltage() {
			maxV = pps.MaxVoltage()
		}
		if minV <= maxV && pps.MaxCurrent() >= c.MinCurrent {
			cur := pps.MaxCurrent()
			if pps.MaxCurrent() > c.MaxCurrent {
				cur = c.MaxCurrent
			}
			if c.PreferLowerVoltage && minV < bestVoltage {
				rdo.SetSelectedObjectPosition(uint8(i) + 1)
				rdo.SetPPSOutputVoltage(minV)
				rdo.SetPPSOutputCurrent(cur)
				bestVoltage = minV
			} else if !c.PreferLowerVoltage && maxV > bestVoltage {
				rdo.SetSelectedObjectPosition(uint8(i) + 1)
				rdo.SetPPSOutputVoltage(maxV)
				rdo.SetPPSOutputCurrent(cur)
				bestVoltage = maxV
			}
		}
	}
	return rdo
}

// CVPolicy defines a constant voltage policy where the source is expected to
// maintain the negotiated voltage and supply at least the negotiated
// current. CVPolicy takes advantage of both fixed and programmable PD
// profiles; for programmable profiles a 150mA margin is added to the
// current to keep the source from limiting current near the operating
// point.
type CVPolicy struct {
	MinVoltage         uint16
	MaxVoltage         uint16
	Current            uint16
	PreferLowerVoltage bool

	// PreferPPS prefers PPS profiles over fixed ones when both satisfy the
	// policy; by default fixed profiles win.
	PreferPPS bool
}

const cvCurrentMargin = 150 // mA

// Validate returns an error if the policy parameters are invalid.
func (c CVPolicy) Validate() error {
	if c.Current > 5000 {
		return errCVBadCurrent
	}
	if c.MinVoltage < 3300 || c.MaxVoltage < 3300 || c.MinVoltage > 21000 || c.MaxVoltage > 21000 {
		return errBadVoltage
	}
	if c.MinVoltage > c.MaxVoltage {
		return errMaxVoltageLessThanMin
	}
	return nil
}

// EvaluateCapability evaluates the provided power profiles against the
// policy and returns a RequestDO to negotiate with the source.
func (c *CVPolicy) EvaluateCapability(pdos []pdmsg.PDO) pdmsg.RequestDO {
	ppsMaxCurrent := c.Current + cvCurrentMargin

	var bestFixedVoltage, bestPPSVoltage uint16
	if c.PreferLowerVoltage {
		bestFixedVoltage = ^uint16(0)
		bestPPSVoltage = ^uint16(0)
	}
	bestFixedRDO := pdmsg.EmptyRequestDO
	bestPPSRDO := pdmsg.EmptyRequestDO
	for i, p := range pdos {
		switch p.Type() {
		case pdmsg.PDOTypeFixedSupply:
			fs := pdmsg.FixedSupplyPDO(p)
			v := fs.Voltage()
			if v >= c.MinVoltage && v <= c.MaxVoltage && fs.MaxCurrent() >= c.Current {
				if (c.PreferLowerVoltage && v < bestFixedVoltage) || (!c.PreferLowerVoltage && v > bestFixedVoltage) {
					bestFixedRDO.SetSelectedObjectPosition(uint8(i) + 1)
					bestFixedRDO.SetFixedMaxOperatingCurrent(c.Current)
					bestFixedRDO.SetFixedOperatingCurrent(c.Current)
					bestFixedVoltage = v
				}
			}
		case pdmsg.PDOTypePPS:
			pps := pdmsg.PPSPDO(p)
			minV, maxV := c.MinVoltage, c.MaxVoltage
			if minV < pps.MinVoltage() {
				minV = pps.MinVoltage()
			}
			if maxV > pps.MaxVoltage() {
				maxV = pps.MaxVoltage()
			}
			if minV <= maxV && ppsMaxCurrent <= pps.MaxCurrent() {
				if c.PreferLowerVoltage && minV < bestPPSVoltage {
					bestPPSRDO.SetSelectedObjectPosition(uint8(i) + 1)
					bestPPSRDO.SetPPSOutputVoltage(minV)
					bestPPSRDO.SetPPSOutputCurrent(c.Current)
					bestPPSVoltage = minV
				} else if !c.PreferLowerVoltage && maxV > bestPPSVoltage {
					bestPPSRDO.SetSelectedObjectPosition(uint8(i) + 1)
					bestPPSRDO.SetPPSOutputVoltage(maxV)
					bestPPSRDO.SetPPSOutputCurrent(ppsMaxCurrent)
					bestPPSVoltage = maxV
				}
			}
		}
	}
	if bestFixedRDO == pdmsg.EmptyRequestDO {
		return bestPPSRDO
	}
	if bestPPSRDO == pdmsg.EmptyRequestDO {
		return bestFixedRDO
	}
	if c.PreferPPS {
		return bestPPSRDO
	}
	return bestFixedRDO
}

// CPPolicy defines a constant power policy where the source is expected to
// supply the specified power at the negotiated voltage. It is a special
// case of CVPolicy where the current is derived from power and voltage.
type CPPolicy struct {
	MinVoltage         uint16
	MaxVoltage         uint16
	Power              uint16
	PreferLowerVoltage bool
	PreferPPS          bool
}

// EvaluateCapability evaluates the provided power profiles against the
// policy and returns a RequestDO to negotiate with the source.
func (c *CPPolicy) EvaluateCapability(pdos []pdmsg.PDO) pdmsg.RequestDO {
	var bestFixedVoltage, bestPPSVoltage uint16
	if c.PreferLowerVoltage {
		bestFixedVoltage = ^uint16(0)
		bestPPSVoltage = ^uint16(0)
	}
	bestFixedRDO := pdmsg.EmptyRequestDO
	bestPPSRDO := pdmsg.EmptyRequestDO
	for i, p := range pdos {
		switch p.Type() {
		case pdmsg.PDOTypeFixedSupply:
			fs := pdmsg.FixedSupplyPDO(p)
			v := fs.Voltage()
			maxCur := c.Power / v
			if v >= c.MinVoltage && v <= c.MaxVoltage && fs.MaxCurrent() >= maxCur {
				if (c.PreferLowerVoltage && v < bestFixedVoltage) || (!c.PreferLowerVoltage && v > bestFixedVoltage) {
					bestFixedRDO.SetSelectedObjectPosition(uint8(i) + 1)
					bestFixedRDO.SetFixedMaxOperatingCurrent(maxCur)
					bestFixedRDO.SetFixedOperatingCurrent(maxCur)
					bestFixedVoltage = v
				}
			}
		case pdmsg.PDOTypePPS:
			pps := pdmsg.PPSPDO(p)
			minV, maxV := c.MinVoltage, c.MaxVoltage
			if minV < pps.MinVoltage() {
				minV = pps.MinVoltage()
			}
			if maxV > pps.MaxVoltage() {
				maxV = pps.MaxVoltage()
			}
			if minV <= maxV {
				maxC := c.Power/maxV + cvCurrentMargin
				minPV := c.Power / (pps.MaxCurrent() - cvCurrentMargin)
				if minPV < minV {
					minPV = minV
				}
				if c.PreferLowerVoltage && minPV < bestPPSVoltage && minPV <= maxV {
					bestPPSRDO.SetSelectedObjectPosition(uint8(i) + 1)
					bestPPSRDO.SetPPSOutputVoltage(minPV)
					bestPPSRDO.SetPPSOutputCurrent(c.Power / minPV)
					bestPPSVoltage = minPV
				} else if !c.PreferLowerVoltage && maxV > bestPPSVoltage && maxC <= pps.MaxCurrent() {
					bestPPSRDO.SetSelectedObjectPosition(uint8(i) + 1)
					bestPPSRDO.SetPPSOutputVoltage(maxV)
					bestPPSRDO.SetPPSOutputCurrent(maxC)
					bestPPSVoltage = maxV
				}
			}
		}
	}
	if bestFixedRDO == pdmsg.EmptyRequestDO {
		return bestPPSRDO
	}
	if bestPPSRDO == pdmsg.EmptyRequestDO {
		return bestFixedRDO
	}
	if c.PreferPPS {
		return bestPPSRDO
	}
	return bestFixedRDO
}

// Logger is a passthrough policy that writes a textual description of
// source capabilities to an io.Writer, mostly for debugging.
type Logger struct {
	w    io.Writer
	sep  string
	base Policy
}

// NewLogger creates a Logger writing to w, with lineSep appended after each
// line ("\n", "\r", "\r\n" are common choices). If base is nil, the logger
// responds with pdmsg.EmptyRequestDO.
func NewLogger(w io.Writer, lineSep string, base Policy) *Logger {
	return &Logger{w: w, sep: lineSep, base: base}
}

// Validate returns nil if the policy is valid.
func (l *Logger) Validate() error {
	if l.base != nil {
		return l.base.Validate()
	}
	return nil
}

// EvaluateCapability writes a textual description of pdos and passes the
// call down to the underlying policy, if any.
func (l *Logger) EvaluateCapability(pdos []pdmsg.PDO) pdmsg.RequestDO {
	fmt.Fprintf(l.w, "Received %d profiles:%s", len(pdos), l.sep)
	for i, p := range pdos {
		fmt.Fprintf(l.w, "  %d) ", i+1)
		switch p.Type() {
		case pdmsg.PDOTypeFixedSupply:
			fs := pdmsg.FixedSupplyPDO(p)
			fmt.Fprintf(l.w, "Fixed %.1fV @ max. %.1fA", float32(fs.Voltage())/1000, float32(fs.MaxCurrent())/1000)
		case pdmsg.PDOTypeVariableSupply:
			fmt.Fprint(l.w, "Variable (not supported)")
		case pdmsg.PDOTypePPS:
			pps := pdmsg.PPSPDO(p)
			var powerLimited string
			if pps.IsPowerLimited() {
				powerLimited = " (power limited)"
			}
			minV, maxV, maxC := float32(pps.MinVoltage())/1000, float32(pps.MaxVoltage())/1000, float32(pps.MaxCurrent())/1000
			fmt.Fprintf(l.w, "Programmable %.1f-%.1fV @ max. %.1fA%s", minV, maxV, maxC, powerLimited)
		case pdmsg.PDOTypeBattery:
			fmt.Fprint(l.w, "Battery (not supported)")
		case pdmsg.PDOTypeEPRAVS:
			fmt.Fprint(l.w, "EPRAVS (not supported)")
		default:
			fmt.Fprint(l.w, "INVALID!")
		}
		fmt.Fprint(l.w, l.sep)
	}
	if l.base != nil {
		return l.base.EvaluateCapability(pdos)
	}
	return pdmsg.EmptyRequestDO
}
