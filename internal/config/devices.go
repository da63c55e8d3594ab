package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Check is the condition an interlock channel must satisfy.
type Check string

const (
	CheckOn    Check = "on"
	CheckOff   Check = "off"
	CheckAbove Check = "above"
	CheckBelow Check = "below"
)

// Interlock is a precondition on another device that must hold before and
// while a loop actuates.
type Interlock struct {
	Channel   string
	Check     Check
	Threshold float64
}

// Satisfied reports whether value passes the check.
func (il Interlock) Satisfied(value float64) bool {
	switch il.Check {
	case CheckOn:
		return value != 0
	case CheckOff:
		return value == 0
	case CheckAbove:
		return value > il.Threshold
	case CheckBelow:
		return value < il.Threshold
	}
	return false
}

func (il Interlock) String() string {
	switch il.Check {
	case CheckAbove:
		return fmt.Sprintf("%s > %g", il.Channel, il.Threshold)
	case CheckBelow:
		return fmt.Sprintf("%s < %g", il.Channel, il.Threshold)
	}
	return fmt.Sprintf("%s %s", il.Channel, il.Check)
}

type PolicyKind string

const (
	PolicyNone           PolicyKind = "none"
	PolicyPressureRelief PolicyKind = "pressure_relief"
	PolicyCutback        PolicyKind = "cutback"
)

// MinDwell is the shortest time an override is held once triggered.
const MinDwell = 30 * time.Second

// Override selects the threshold override a device runs under. The
// threshold itself is LoopConfig.HighThresh so that operators can tune it.
type Override struct {
	Kind      PolicyKind
	ValvePV   string
	OpenValue float64
	Dwell     time.Duration
}

// Device is one row of the static device table: the channel binding and
// the per-device behavior of a control loop.
type Device struct {
	ID            string
	Description   string
	ControlPV     string
	TargetPV      string
	Defaults      LoopConfig
	Limits        Limits
	MaxStep       float64
	ZeroOnDisable bool
	RestingOutput float64
	Interlocks    []Interlock
	Override      Override
}

// valve position below which a flow valve counts as closed
const valveClosedBelow = 30

var devices = map[string]Device{}

func register(d Device) {
	d.Defaults.ControlPV = d.ControlPV
	d.Defaults.TargetPV = d.TargetPV
	if d.Override.Kind == "" {
		d.Override.Kind = PolicyNone
	}
	devices[d.ID] = d
}

func init() {
	shield("FPV205", "UCN2:CRY:TS505:RDTEMPK", 20, 1)
	shield("FPV206", "UCN2:CRY:TS525:RDTEMPK", 30, 1)
	shield("FPV207", "UCN2:CRY:TS508:RDTEMPK", 100, 1)
	shield("FPV209", "UCN2:LD2:TS351:RDTEMPK", 100, 1)
	shield("FPV212", "UCN2:HE4:TS245:RDTEMPK", 80, 3)

	purifier("UCN2:HE3:HTR105", "UCN2:CRY:TS510:RDTEMPK", 70)
	purifier("UCN2:ISO:HTR010", "UCN2:CRY:TS512:RDTEMPK", 70)
	purifier("UCN2:HE3:HTR107", "UCN2:CRY:TS511:RDTEMPK", 20)
	purifier("UCN2:ISO:HTR012", "UCN2:CRY:TS513:RDTEMPK", 20)

	tailHeater("UCN2:ISO:HTR001", "UCN2:HE3:TS112:RDTEMPK", 2000, 350, 373, 500)
	tailHeater("UCN2:ISO:HTR003", "UCN2:ISO:TS019:RDTEMPK", 1700, 350, 373, 500)
	tailHeater("UCN2:ISO:HTR004", "UCN2:ISO:TS020:RDTEMPK", 1700, 350, 373, 500)
	tailHeater("UCN2:ISO:HTR005", "UCN2:ISO:TS021:RDTEMPK", 1700, 350, 373, 500)
	tailHeater("UCN2:ISO:HTR006", "UCN2:ISO:TS022:RDTEMPK", 1700, 350, 373, 500)
	tailHeater("UCN2:ISO:HTR007", "UCN2:ISO:TS017:RDTEMPK", 2200, 350, 373, 500)
	tailHeater("UCN2:ISO:HTR008", "UCN2:HE4:TS224:RDTEMPK", 2200, 300, 325, 350)

	autoPurify()
}

// shield is a flow valve regulating a radiation shield temperature. More
// flow cools, so the output is inverted.
func shield(valve, target string, setpoint, p float64) {
	ctrl := "UCN2:HE4:" + valve + ":POS"
	register(Device{
		ID:          valve + "_" + sensorName(target),
		Description: "shield flow valve " + valve,
		ControlPV:   ctrl,
		TargetPV:    target,
		Defaults: LoopConfig{
			P:               p,
			InvertedOutput:  true,
			TargetSetpoint:  setpoint,
			TimeStepS:       10,
			OutputLimitHigh: 100,
			TargetTimeoutS:  30,
		},
		Limits: Limits{
			"target_setpoint":   {0, 350},
			"time_step_s":       {0, 500},
			"output_limit_low":  {0, 100},
			"output_limit_high": {0, 100},
		},
		MaxStep:    1,
		Interlocks: []Interlock{{Channel: "UCN2:HE4:" + valve + ":STATON", Check: CheckOn}},
	})
}

func purifier(heater, target string, setpoint float64) {
	register(Device{
		ID:          deviceName(heater) + "_" + sensorName(target),
		Description: "purifier heater " + deviceName(heater),
		ControlPV:   heater + ":CUR",
		TargetPV:    target,
		Defaults: LoopConfig{
			P:               640,
			I:               1,
			TargetSetpoint:  setpoint,
			TimeStepS:       10,
			OutputLimitHigh: 1480,
			TargetTimeoutS:  30,
		},
		Limits: Limits{
			"target_setpoint":   {0, 1480},
			"time_step_s":       {0, 500},
			"output_limit_low":  {0, 1480},
			"output_limit_high": {0, 1480},
		},
		MaxStep:       1,
		ZeroOnDisable: true,
		Interlocks: []Interlock{
			{Channel: heater + ":STATON", Check: CheckOn},
			{Channel: heater + ":STATLOC", Check: CheckOff},
		},
	})
}

// tailHeater is a heater that is cut back to zero while its sensor reads
// above high_thresh.
func tailHeater(heater, target string, limit, setpoint, thresh, threshLimit float64) {
	register(Device{
		ID:          deviceName(heater) + "_" + sensorName(target),
		Description: "tail heater " + deviceName(heater),
		ControlPV:   heater + ":CUR",
		TargetPV:    target,
		Defaults: LoopConfig{
			P:               640,
			I:               1,
			TargetSetpoint:  setpoint,
			HighThresh:      thresh,
			TimeStepS:       10,
			OutputLimitHigh: limit,
			TargetTimeoutS:  30,
		},
		Limits: Limits{
			"target_setpoint":   {0, limit},
			"time_step_s":       {0, 500},
			"output_limit_low":  {0, limit},
			"output_limit_high": {0, limit},
			"high_thresh":       {0, threshLimit},
		},
		MaxStep:       1,
		ZeroOnDisable: true,
		Interlocks:    []Interlock{{Channel: heater + ":STATON", Check: CheckOn}},
		Override:      Override{Kind: PolicyCutback, Dwell: MinDwell},
	})
}

// autoPurify drives HTR204 to hold the PT206 pressure. Above high_thresh
// the FPV201 relief valve is opened. The loop may only run with the helium
// gas path in the purification pattern: FPV203 and FPV209 open, every
// other flow valve closed and AV203 shut.
func autoPurify() {
	interlocks := []Interlock{{Channel: "UCN2:HE4:FPV201:STATON", Check: CheckOn}}
	for _, v := range []string{"FPV203", "FPV209"} {
		interlocks = append(interlocks, Interlock{
			Channel: "UCN2:HE4:" + v + ":RDDACP", Check: CheckAbove, Threshold: valveClosedBelow,
		})
	}
	for _, v := range []string{"FPV201", "FPV202", "FPV204", "FPV205", "FPV206", "FPV207", "FPV208", "FPV211", "FPV212"} {
		interlocks = append(interlocks, Interlock{
			Channel: "UCN2:HE4:" + v + ":RDDACP", Check: CheckBelow, Threshold: valveClosedBelow,
		})
	}
	interlocks = append(interlocks, Interlock{Channel: "UCN2:HE4:AV203:STATON", Check: CheckOff})

	register(Device{
		ID:          "HTR204_PT206",
		Description: "auto purify pressure loop",
		ControlPV:   "UCN2:HE4:HTR204:CUR",
		TargetPV:    "UCN2:HE4:PT206:RDPRESS",
		Defaults: LoopConfig{
			P:               1,
			TargetSetpoint:  1400,
			HighThresh:      1480,
			TimeStepS:       60,
			OutputLimitHigh: 1000,
		},
		Limits: Limits{
			"target_setpoint":   {0, 1500},
			"time_step_s":       {0, 500},
			"output_limit_low":  {0, 1000},
			"output_limit_high": {0, 1000},
			"high_thresh":       {0, 2000},
		},
		MaxStep:    1,
		Interlocks: interlocks,
		Override: Override{
			Kind:      PolicyPressureRelief,
			ValvePV:   "UCN2:HE4:FPV201:POS",
			OpenValue: 100,
			Dwell:     MinDwell,
		},
	})
}

// deviceName returns the device segment of a PV name, e.g. HTR105 for
// UCN2:HE3:HTR105:CUR.
func deviceName(pv string) string {
	parts := strings.Split(pv, ":")
	if len(parts) < 3 {
		return pv
	}
	return parts[2]
}

func sensorName(pv string) string { return deviceName(pv) }

// GetDevice returns a copy of a device table row.
func GetDevice(id string) (Device, bool) {
	d, ok := devices[id]
	if !ok {
		return Device{}, false
	}
	d.Interlocks = append([]Interlock(nil), d.Interlocks...)
	limits := make(Limits, len(d.Limits))
	for k, v := range d.Limits {
		limits[k] = v
	}
	d.Limits = limits
	return d, true
}

func DeviceIDs() []string {
	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
