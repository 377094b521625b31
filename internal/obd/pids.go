package obd

// Well-known mode 01 PIDs.
const (
	PIDEngineLoad    PID = 0x0104
	PIDCoolantTemp   PID = 0x0105
	PIDFuelPressure  PID = 0x010A
	PIDIntakeMAP     PID = 0x010B
	PIDEngineRPM     PID = 0x010C
	PIDVehicleSpeed  PID = 0x010D
	PIDTimingAdvance PID = 0x010E
	PIDIntakeAirTemp PID = 0x010F
	PIDMAFRate       PID = 0x0110
	PIDThrottlePos   PID = 0x0111
	PIDRunTime       PID = 0x011F
	PIDFuelLevel     PID = 0x012F
	PIDBaroPressure  PID = 0x0133
	PIDModuleVoltage PID = 0x0142
	PIDAmbientTemp   PID = 0x0146
	PIDOilTemp       PID = 0x015C
	PIDFuelRate      PID = 0x015E
)

// Decode helpers for the common SAE J1979 byte layouts. A..D refer to the
// payload bytes in order, per the standard's formula notation.

func decTempC(d []byte) float64    { return float64(d[0]) - 40 }
func decPercent(d []byte) float64  { return float64(d[0]) * 100 / 255 }
func decByte(d []byte) float64     { return float64(d[0]) }
func decWordAB(d []byte) float64   { return float64(d[0])*256 + float64(d[1]) }
func decRPM(d []byte) float64      { return decWordAB(d) / 4 }
func decMAF(d []byte) float64      { return decWordAB(d) / 100 } // g/s
func decAdvance(d []byte) float64  { return float64(d[0])/2 - 64 }
func decVoltage(d []byte) float64  { return decWordAB(d) / 1000 }
func decFuelRate(d []byte) float64 { return decWordAB(d) / 20 } // L/h
func decFuelkPa(d []byte) float64  { return float64(d[0]) * 3 }

var table = []Descriptor{
	{PID: PIDEngineLoad, Name: "engine load", Bytes: 1, Unit: "%", Min: 0, Max: 100, Decode: decPercent},
	{PID: PIDCoolantTemp, Name: "coolant temperature", Bytes: 1, Unit: "°C", Min: -40, Max: 215, Decode: decTempC},
	{PID: PIDFuelPressure, Name: "fuel pressure", Bytes: 1, Unit: "kPa", Min: 0, Max: 765, Decode: decFuelkPa},
	{PID: PIDIntakeMAP, Name: "intake manifold pressure", Bytes: 1, Unit: "kPa", Min: 0, Max: 255, Decode: decByte},
	{PID: PIDEngineRPM, Name: "engine RPM", Bytes: 2, Unit: "rpm", Min: 0, Max: 16383.75, Decode: decRPM},
	{PID: PIDVehicleSpeed, Name: "vehicle speed", Bytes: 1, Unit: "km/h", Min: 0, Max: 255, Decode: decByte},
	{PID: PIDTimingAdvance, Name: "timing advance", Bytes: 1, Unit: "°", Min: -64, Max: 63.5, Decode: decAdvance},
	{PID: PIDIntakeAirTemp, Name: "intake air temperature", Bytes: 1, Unit: "°C", Min: -40, Max: 215, Decode: decTempC},
	{PID: PIDMAFRate, Name: "MAF air flow rate", Bytes: 2, Unit: "g/s", Min: 0, Max: 655.35, Decode: decMAF},
	{PID: PIDThrottlePos, Name: "throttle position", Bytes: 1, Unit: "%", Min: 0, Max: 100, Decode: decPercent},
	{PID: PIDRunTime, Name: "run time since start", Bytes: 2, Unit: "s", Min: 0, Max: 65535, Decode: decWordAB},
	{PID: PIDFuelLevel, Name: "fuel tank level", Bytes: 1, Unit: "%", Min: 0, Max: 100, Decode: decPercent},
	{PID: PIDBaroPressure, Name: "barometric pressure", Bytes: 1, Unit: "kPa", Min: 0, Max: 255, Decode: decByte},
	{PID: PIDModuleVoltage, Name: "control module voltage", Bytes: 2, Unit: "V", Min: 0, Max: 65.535, Decode: decVoltage},
	{PID: PIDAmbientTemp, Name: "ambient air temperature", Bytes: 1, Unit: "°C", Min: -40, Max: 215, Decode: decTempC},
	{PID: PIDOilTemp, Name: "engine oil temperature", Bytes: 1, Unit: "°C", Min: -40, Max: 215, Decode: decTempC},
	{PID: PIDFuelRate, Name: "engine fuel rate", Bytes: 2, Unit: "L/h", Min: 0, Max: 3276.75, Decode: decFuelRate},
}

var byPID = func() map[PID]Descriptor {
	m := make(map[PID]Descriptor, len(table))
	for _, d := range table {
		m[d.PID] = d
	}
	return m
}()

// Lookup returns the descriptor for p from the built-in table.
func Lookup(p PID) (Descriptor, bool) {
	d, ok := byPID[p]
	return d, ok
}

// Table returns a copy of the built-in PID table.
func Table() []Descriptor {
	out := make([]Descriptor, len(table))
	copy(out, table)
	return out
}
