package ohci

import (
	"fmt"
	"log/slog"

	"github.com/ardnew/softohci/pkg"
)

// Interrupt is the top half. The platform calls it from its interrupt
// path when the controller's line is asserted. It acknowledges what it
// can, disables sources that need deferred work and wakes the matching
// task. It reports whether the interrupt was ours.
func (c *Controller) Interrupt() bool {
	if c.polling.Load() {
		return false
	}
	return c.intr1()
}

func (c *Controller) intr1() bool {
	status := c.readReg(RegInterruptStatus)
	if status == 0 || status == 0xffffffff {
		return false
	}
	// WDH is acknowledged by the bottom half once it took the done list.
	c.writeReg(RegInterruptStatus, status&^(IntrMIE|IntrWDH))

	eintrs := status & c.enabledIntrs()
	if eintrs == 0 {
		return false
	}
	c.stats.interrupts.Add(1)
	if pkg.Enabled(slog.LevelDebug) {
		pkg.LogDebug(pkg.ComponentIntr, "interrupt", "status", fmt.Sprintf("0x%08x", eintrs))
	}

	if eintrs&IntrSO != 0 {
		n := c.stats.overruns.Add(1)
		c.overrunLog.Do(func() {
			pkg.LogWarn(pkg.ComponentIntr, "scheduling overrun", "total", n)
		})
	}
	if eintrs&IntrWDH != 0 {
		c.disableIntrs(IntrWDH)
		kick(c.wdhCh)
	}
	if eintrs&IntrRD != 0 {
		pkg.LogInfo(pkg.ComponentIntr, "resume detected")
	}
	if eintrs&IntrUE != 0 {
		pkg.LogError(pkg.ComponentIntr, "unrecoverable error, controller halted")
		c.halt()
		kick(c.fatalCh)
	}
	if eintrs&IntrRHSC != 0 {
		c.disableIntrs(IntrRHSC)
		kick(c.rhscCh)
	}

	if rest := eintrs &^ (IntrSO | IntrWDH | IntrRD | IntrUE | IntrRHSC); rest != 0 {
		c.disableIntrs(rest)
		pkg.LogWarn(pkg.ComponentIntr, "blocking unexpected interrupts", "bits", fmt.Sprintf("0x%08x", rest))
	}
	return true
}
