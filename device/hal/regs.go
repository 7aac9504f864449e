package hal

// Register map of the FX3 USB interface block (UIB) and the global control
// block, limited to the registers the link core touches.

const (
	uibBase  = 0xE0030000
	gctlBase = 0xE0052000
)

// Global control block.
const (
	// GctlIoPower reports IO rail and VBUS status.
	GctlIoPower Register = gctlBase + 0x0000
	// GctlIoPowerIntr latches IO power changes (write one to clear).
	GctlIoPowerIntr Register = gctlBase + 0x0004
	// GctlIoPowerIntrMask enables IO power change interrupts.
	GctlIoPowerIntrMask Register = gctlBase + 0x0008
	// GctlUibCoreClk selects the UIB PCLK and EPM clock sources.
	GctlUibCoreClk Register = gctlBase + 0x0014
)

// GctlIoPower bits.
const (
	IoPowerVbus uint32 = 1 << 0
)

// GctlUibCoreClk fields.
const (
	CoreClkPclkSrcMask    uint32 = 0x3 << 0
	CoreClkPclkSrcShift          = 0
	CoreClkEpmclkSrcMask  uint32 = 0x3 << 2
	CoreClkEpmclkSrcShift        = 2
	CoreClkEnable         uint32 = 1 << 31
)

// UIB top level.
const (
	// UibPower controls power to the USB PHY subsystem.
	UibPower Register = uibBase + 0x0024
)

// UibPower bits.
const (
	PowerEnable uint32 = 1 << 0 // USB_POWER_EN
	PowerActive uint32 = 1 << 1 // power domain reports ready
	PowerVbus   uint32 = 1 << 2 // VBUS valid seen by the UIB
)

// USB 2.0 device controller.
const (
	DevCs          Register = uibBase + 0x0400
	DevFramecnt    Register = uibBase + 0x0404
	DevPwrCs       Register = uibBase + 0x0408
	DevSetupdat0   Register = uibBase + 0x040C
	DevSetupdat1   Register = uibBase + 0x0410
	DevCtlIntrMask Register = uibBase + 0x0420
	DevCtlIntr     Register = uibBase + 0x0424
	DevEpIntrMask  Register = uibBase + 0x0428
	DevEpIntr      Register = uibBase + 0x042C
	DevEp0Cs       Register = uibBase + 0x0430
)

// DevPwrCs bits.
const (
	DevPwrPhyEnable   uint32 = 1 << 0  // USB 2.0 PHY enable
	DevPwrHsEnable    uint32 = 1 << 1  // allow high-speed chirp
	DevPwrFsTerm      uint32 = 1 << 2  // full-speed termination
	DevPwrDisconnect  uint32 = 1 << 3  // drop the D+ pull-up
	DevPwrHsMode      uint32 = 1 << 4  // read-only: high-speed negotiated
	DevPwrSuspend     uint32 = 1 << 5  // read-only: bus suspended
	DevPwrRemoteWake  uint32 = 1 << 6  // signal remote wakeup
	DevPwrDefaultMask uint32 = 0x00FF0000
)

// DevCtlIntr bits.
const (
	DevCtlSudav       uint32 = 1 << 0 // setup data valid
	DevCtlUreset      uint32 = 1 << 1 // bus reset
	DevCtlHsgrant     uint32 = 1 << 2 // high-speed granted
	DevCtlSusp        uint32 = 1 << 3 // suspend
	DevCtlUresume     uint32 = 1 << 4 // resume
	DevCtlStatusStage uint32 = 1 << 5 // control status stage done
	DevCtlAll         uint32 = DevCtlSudav | DevCtlUreset | DevCtlHsgrant |
		DevCtlSusp | DevCtlUresume | DevCtlStatusStage
)

// DevEp0Cs bits.
const (
	Ep0CsStall     uint32 = 1 << 0 // stall EP0
	Ep0CsAck       uint32 = 1 << 1 // complete status stage
	Ep0CsNak       uint32 = 1 << 2 // NAK data stage
	Ep0CsSetupBusy uint32 = 1 << 3 // setup handling in progress
)

// Endpoint interrupt register layout shared by DEV_EP and PROT_EP: the low
// 16 bits carry per-endpoint underrun flags, IN endpoints in the upper 8.
const (
	EpIntrUnderrunMask uint32 = 0xFFFF
)

// USB 3.0 link layer.
const (
	LnkConf               Register = uibBase + 0x3000
	LnkIntr               Register = uibBase + 0x3004
	LnkIntrMask           Register = uibBase + 0x3008
	LnkErrorCount         Register = uibBase + 0x3014
	LnkErrorThreshold     Register = uibBase + 0x3018
	LnkPhyConf            Register = uibBase + 0x301C
	LnkPhyMpllStatus      Register = uibBase + 0x3020
	LnkDevicePowerControl Register = uibBase + 0x3024
	LnkLtssmState         Register = uibBase + 0x3028
	LnkLfpsObserve        Register = uibBase + 0x302C
	LnkCompliancePattern  Register = uibBase + 0x3030
)

// LnkIntr bits.
const (
	LnkLtssmStateChg   uint32 = 1 << 0
	LnkLtssmConnect    uint32 = 1 << 1
	LnkLtssmDisconnect uint32 = 1 << 2
	LnkLtssmReset      uint32 = 1 << 3
	LnkLgoU3           uint32 = 1 << 4
	LnkErrorLimit      uint32 = 1 << 5
	LnkIntrAll         uint32 = LnkLtssmStateChg | LnkLtssmConnect |
		LnkLtssmDisconnect | LnkLtssmReset | LnkLgoU3 | LnkErrorLimit
)

// LnkConf bits.
const (
	LnkConfTxTrainEnable uint32 = 1 << 0
	LnkConfLfpsEnable    uint32 = 1 << 1
)

// LnkPhyConf bits.
const (
	PhyConfEnable     uint32 = 1 << 0 // USB 3.0 PHY enable
	PhyConfRxTermEn   uint32 = 1 << 1 // receiver termination
	PhyConfTxDeemph   uint32 = 1 << 2 // transmitter de-emphasis
	PhyConfSquelchFix uint32 = 1 << 3 // U3 RX squelch workaround
)

// LnkDevicePowerControl bits.
const (
	PowerAutoU1  uint32 = 1 << 0 // autonomous U1 entry
	PowerAutoU2  uint32 = 1 << 1 // autonomous U2 entry
	PowerYesU1   uint32 = 1 << 2 // accept host U1 request
	PowerYesU2   uint32 = 1 << 3 // accept host U2 request
	PowerNoU1    uint32 = 1 << 4 // reject host U1 request
	PowerNoU2    uint32 = 1 << 5 // reject host U2 request
	PowerAcceptU3 uint32 = 1 << 6 // accept host U3 request
	PowerExitLP  uint32 = 1 << 7 // initiate exit to U0
	PowerLpmMask uint32 = PowerAutoU1 | PowerAutoU2 | PowerYesU1 |
		PowerYesU2 | PowerNoU1 | PowerNoU2
)

// LnkLtssmState fields. The observed state is read-only; writing the
// override value with the enable bit set forces and holds that state.
const (
	LtssmStateMask          uint32 = 0x3F
	LtssmOverrideValueMask  uint32 = 0x3F << 8
	LtssmOverrideValueShift        = 8
	LtssmOverrideEnable     uint32 = 1 << 16
)

// LnkLfpsObserve bits (write one to clear).
const (
	LfpsPingDetected  uint32 = 1 << 0
	LfpsResetDetected uint32 = 1 << 1
	LfpsPollingSeen   uint32 = 1 << 2
)

// NumCompliancePatterns is the length of the compliance pattern rotation.
const NumCompliancePatterns = 9

// USB 3.0 protocol layer.
const (
	ProtCs              Register = uibBase + 0x3400
	ProtIntr            Register = uibBase + 0x3404
	ProtIntrMask        Register = uibBase + 0x3408
	ProtLmpPortCapTimer Register = uibBase + 0x340C
	ProtLmpPortCfgTimer Register = uibBase + 0x3410
	ProtLmpReceived     Register = uibBase + 0x3414
	ProtSetupdat0       Register = uibBase + 0x3418
	ProtSetupdat1       Register = uibBase + 0x341C
	ProtEp0Cs           Register = uibBase + 0x3420
	ProtEpIntrMask      Register = uibBase + 0x3424
	ProtEpIntr          Register = uibBase + 0x3428
	ProtEpiCs0          Register = uibBase + 0x3430
	ProtEpoCs0          Register = uibBase + 0x3434
)

// ProtCs bits.
const (
	ProtCsNrdyAll  uint32 = 1 << 0 // answer every transaction with NRDY
	ProtCsSendErdy uint32 = 1 << 1 // send ERDY for EP0
	ProtCsSeqReset uint32 = 1 << 2 // reset EP0 sequence numbers
)

// ProtIntr bits.
const (
	ProtSutok           uint32 = 1 << 0 // SETUP token received
	ProtStatusStage     uint32 = 1 << 1 // control status stage done
	ProtLmpSetLinkFunc  uint32 = 1 << 2 // Set Link Function LMP received
	ProtLmpPortCapRcvd  uint32 = 1 << 3 // port capability LMP received
	ProtLmpPortCfgRcvd  uint32 = 1 << 4 // port configuration LMP received
	ProtIntrAll         uint32 = ProtSutok | ProtStatusStage |
		ProtLmpSetLinkFunc | ProtLmpPortCapRcvd | ProtLmpPortCfgRcvd
)

// ProtLmpReceived bits.
const (
	LmpForceLinkPMAccept uint32 = 1 << 0
)

// Protocol endpoint control fields (ProtEpiCs0 / ProtEpoCs0).
const (
	ProtEpValid           uint32 = 1 << 31
	ProtEpPayloadMask     uint32 = 0x7FF
	ProtEpPayloadShift           = 0
)

// LMP timer initial values written whenever link training restarts.
const (
	LmpPortCapTimerInit uint32 = 0x00000900
	LmpPortCfgTimerInit uint32 = 0x00000900
)

// USB 3.0 PHY analog tuning registers.
const (
	PhyLfpsConf    Register = uibBase + 0x3C00
	PhyRxSquelch   Register = uibBase + 0x3C04
	PhyTxTrim      Register = uibBase + 0x3C08
	PhyRxEq        Register = uibBase + 0x3C0C
	PhyCdrConf     Register = uibBase + 0x3C10
	PhyLoopbackCtl Register = uibBase + 0x3C14
)

// Endpoint manager.
const (
	EpmCs Register = uibBase + 0x1C00
)

// EpmCs bits.
const (
	EpmEp0Reset uint32 = 1 << 0 // reset EP0 ingress/egress FIFOs
	EpmSsMode   uint32 = 1 << 1 // EPM routed to the SuperSpeed protocol layer
)

// LineCause returns the interrupt cause and mask registers for line l.
func LineCause(l Line) (intr, mask Register) {
	switch l {
	case LineDevCtl:
		return DevCtlIntr, DevCtlIntrMask
	case LineDevEp:
		return DevEpIntr, DevEpIntrMask
	case LineLink:
		return LnkIntr, LnkIntrMask
	case LineProt:
		return ProtIntr, ProtIntrMask
	case LineProtEp:
		return ProtEpIntr, ProtEpIntrMask
	case LineVbus:
		return GctlIoPowerIntr, GctlIoPowerIntrMask
	default:
		return 0, 0
	}
}

// IsW1C reports whether r is a write-one-to-clear status register.
func IsW1C(r Register) bool {
	switch r {
	case DevCtlIntr, DevEpIntr, LnkIntr, ProtIntr, ProtEpIntr,
		GctlIoPowerIntr, LnkLfpsObserve:
		return true
	}
	return false
}
