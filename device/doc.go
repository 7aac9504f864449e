// Package device implements the USB device framework on top of the FX3
// link core.
//
// It answers the standard chapter 9 requests on endpoint 0 for USB 2.0 and
// USB 3.0 connections, tracks the device state machine, and forwards class
// and vendor requests to the application. Hardware access goes through
// [github.com/ardnew/fx3usb/device/link]; this package never touches
// registers.
//
// # Architecture
//
//   - [Descriptors] holds the raw descriptor set, one slot per speed and
//     descriptor kind, backed by a warm-boot [boot.Table]
//   - [Device] manages the device state, address, configuration,
//     alternate settings, endpoint halts and USB 3.0 power features
//   - [StandardRequestHandler] decodes standard requests against a Device
//   - [Stack] binds a Device to a link.Link and runs the control
//     transfers
//
// # Device States
//
//	Attached → Powered → Default → Address → Configured → Suspended
//
// A link Connect event moves the device to Default at the connection
// speed; a bus or hot reset returns it there; Disconnect returns it to
// Attached.
//
// # Descriptors
//
// Descriptors are stored as the host sees them. GET_DESCRIPTOR selects the
// slot by the connection speed, so a SuperSpeed device reports its
// SuperSpeed device and configuration descriptors and the USB 2.0 slots
// otherwise:
//
//	descs := device.NewDescriptors()
//	descs.Set(boot.DescSSDevice, 0, ssDevice)
//	descs.Set(boot.DescHSDevice, 0, hsDevice)
//	descs.Set(boot.DescSSConfig, 0, ssConfig)
//	descs.Set(boot.DescHSConfig, 0, hsConfig)
//	descs.SetStrings("Cypress", "FX3")
//
// [ConfigBuilder] assembles configuration descriptors, including the
// SuperSpeed endpoint companions.
//
// # Example
//
//	l, _ := link.New(hw, link.DefaultConfig())
//	hw.SetInterruptHandler(l.HandleInterrupt)
//	stack := device.NewStack(device.NewDevice(descs), l)
//	stack.Start(ctx, true)
//	stack.Run(ctx)
//
// Before jumping to a new firmware image, [Stack.Handoff] produces the
// table the next image passes to [Stack.StartWarm] to keep the connection
// without re-enumerating.
package device
