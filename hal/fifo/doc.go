// Package fifo provides a file-backed [hal.Platform] for running the driver
// against devices simulated by other processes.
//
// # Architecture
//
// The platform polls a bus directory for device subdirectories matching
// `device-*/`. Each device directory holds:
//
//	/tmp/reg-bus/                    # Bus directory
//	├── device-a1b2c3d4/             # Device 1 subdirectory
//	│   ├── resource.yaml            # address, size and irq
//	│   ├── regs                     # Register memory, mapped shared
//	│   └── irq                      # Interrupt FIFO
//	└── device-e5f6g7h8/             # Device 2 subdirectory
//	    └── ...
//
// A directory becomes visible once its resource.yaml exists and is reported
// detached when the directory disappears. The directory name is the
// device handle.
//
// # Registers
//
// Map maps the device's regs file with MAP_SHARED. The driver's atomic
// loads and stores and the device side's file reads and writes address the
// same page.
//
// # Interrupts
//
// Every byte written to the irq FIFO raises the device's interrupt line
// once. The platform keeps each FIFO open read-write, so writers never see
// a missing reader while the device is attached.
//
// # Usage
//
//	p := fifo.New("/tmp/reg-bus", 0)
//	drv := driver.New(p, ns, driver.Options{})
//	if err := drv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer drv.Stop()
//
//	// Device side, from any process:
//	handle, _ := fifo.CreateDevice("/tmp/reg-bus", hal.Resource{
//	    Address: 0x40000000, Size: 4, IRQ: 7,
//	})
//	_ = fifo.RaiseInterrupt("/tmp/reg-bus", handle)
package fifo
