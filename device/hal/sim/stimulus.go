package sim

import "github.com/ardnew/fx3usb/device/hal"

// SetVbus changes VBUS presence and raises the IO power interrupt.
func (m *Machine) SetVbus(on bool) {
	m.PokeBits(hal.GctlIoPower, hal.IoPowerVbus, on)
	m.PokeBits(hal.UibPower, hal.PowerVbus, on)
	m.Raise(hal.LineVbus, hal.IoPowerVbus)
}

// MoveLink sets the LTSSM state and raises LTSSM_STATE_CHG together with
// any extra link cause bits.
func (m *Machine) MoveLink(s hal.LinkState, extra uint32) {
	m.SetLinkState(s)
	m.Raise(hal.LineLink, hal.LnkLtssmStateChg|extra)
}

// Setup latches pkt into the setup data registers of the protocol engine
// that matches superSpeed and raises SUTOK or SUDAV.
func (m *Machine) Setup(superSpeed bool, pkt hal.SetupPacket) {
	w0, w1 := pkt.Words()
	if superSpeed {
		m.Poke(hal.ProtSetupdat0, w0)
		m.Poke(hal.ProtSetupdat1, w1)
		m.Raise(hal.LineProt, hal.ProtSutok)
		return
	}
	m.Poke(hal.DevSetupdat0, w0)
	m.Poke(hal.DevSetupdat1, w1)
	m.Raise(hal.LineDevCtl, hal.DevCtlSudav)
}

// StatusStage raises the control status stage completion interrupt.
func (m *Machine) StatusStage(superSpeed bool) {
	if superSpeed {
		m.Raise(hal.LineProt, hal.ProtStatusStage)
		return
	}
	m.Raise(hal.LineDevCtl, hal.DevCtlStatusStage)
}

// BusReset raises a USB 2.0 bus reset. highSpeed also reports a granted
// high-speed chirp.
func (m *Machine) BusReset(highSpeed bool) {
	m.PokeBits(hal.DevPwrCs, hal.DevPwrHsMode, highSpeed)
	bits := hal.DevCtlUreset
	if highSpeed {
		bits |= hal.DevCtlHsgrant
	}
	m.Raise(hal.LineDevCtl, bits)
}

// SetLinkFunction raises a Set Link Function LMP. forceAccept reflects the
// Force_LinkPM_Accept bit carried by the LMP.
func (m *Machine) SetLinkFunction(forceAccept bool) {
	m.PokeBits(hal.ProtLmpReceived, hal.LmpForceLinkPMAccept, forceAccept)
	m.Raise(hal.LineProt, hal.ProtLmpSetLinkFunc)
}
