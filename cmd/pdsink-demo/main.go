// Command pdsink-demo negotiates a constant-voltage power contract with a
// connected source over an FUSB302 Type-C port controller, logging every
// Source_Capabilities it receives. It wires the sink's event-driven tasks
// together rather than driving a single polled run loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	flag "github.com/spf13/pflag"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/gotypec/pdsink/dpm"
	"github.com/gotypec/pdsink/intnpoller"
	"github.com/gotypec/pdsink/phy/fusb302"
	"github.com/gotypec/pdsink/sink"
)

func main() {
	var (
		busNumber  = flag.StringP("bus", "b", "1", "I2C bus to use")
		busSpeed   = flag.Int("speed", 1000000, "I2C bus speed in Hz")
		minVoltage = flag.Uint16("min-voltage", 8000, "minimum acceptable voltage, mV")
		maxVoltage = flag.Uint16("max-voltage", 10000, "maximum acceptable voltage, mV")
		minCurrent = flag.Uint16("min-current", 1200, "minimum acceptable current, mA")
		preferPPS  = flag.Bool("prefer-pps", false, "prefer PPS profiles over fixed ones")
		gpioChip   = flag.String("intn-chip", "", "GPIO chip for INT_N, e.g. gpiochip0 (empty: poll the PHY register instead)")
		gpioLine   = flag.Int("intn-line", 0, "GPIO line offset for INT_N")
		verbose    = flag.BoolP("verbose", "v", false, "debug logging")
	)
	flag.Parse()

	logger := log.New(os.Stderr)
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	if _, err := host.Init(); err != nil {
		logger.Fatalf("host init: %v", err)
	}
	bus, err := i2creg.Open(*busNumber)
	if err != nil {
		logger.Fatalf("open i2c bus %s: %v", *busNumber, err)
	}
	defer bus.Close()
	if err := bus.SetSpeed(physic.Frequency(*busSpeed) * physic.Hertz); err != nil {
		logger.Fatalf("set i2c speed: %v", err)
	}

	driver := fusb302.New(bus, fusb302.FUSB302BMPX)

	policy := &dpm.CVPolicy{
		MinVoltage: *minVoltage,
		MaxVoltage: *maxVoltage,
		Current:    *minCurrent,
		PreferPPS:  *preferPPS,
	}
	if err := policy.Validate(); err != nil {
		logger.Fatalf("policy: %v", err)
	}
	logged := dpm.NewLogger(os.Stdout, "\n", policy)
	policyDPM := dpm.FromPolicy{Policy: logged}

	var pin intnpoller.Line
	if *gpioChip != "" {
		l, err := intnpoller.OpenGPIOLine(*gpioChip, *gpioLine, true)
		if err != nil {
			logger.Fatalf("open intn line: %v", err)
		}
		defer l.Close()
		pin = l
	}

	s := sink.New(sink.Config{
		Driver: driver,
		DPM:    policyDPM,
		Pin:    pin,
		Log:    logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Println("negotiating power...")
	s.Run(ctx)
}
