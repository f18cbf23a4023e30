package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// PipelineFullCapacity is the nominal cost of one full indexing pipeline
// (ingestion plus merging). The measured cost is usually between 3 and 4
// CPU threads; the value is a planning heuristic, not a limit.
const PipelineFullCapacity CPUCapacity = 4_000

// CPUCapacity is an amount of CPU expressed in milli-CPUs: one full CPU
// thread is displayed as "1000m".
//
// Input is lenient (a bare number is a count of whole CPUs, a string must
// carry the "m" suffix) while output is always the "<n>m" form.
type CPUCapacity uint32

// MCPU is a short helper to build a CPUCapacity.
func MCPU(milliCPUs uint32) CPUCapacity {
	return CPUCapacity(milliCPUs)
}

// FromCPUMillis builds a CPUCapacity from milli-CPUs.
func FromCPUMillis(cpuMillis uint32) CPUCapacity {
	return CPUCapacity(cpuMillis)
}

// ZeroCPU returns an empty capacity.
func ZeroCPU() CPUCapacity {
	return 0
}

// OneCPUThread returns the capacity of a single CPU thread.
func OneCPUThread() CPUCapacity {
	return 1_000
}

// CPUMillis returns the capacity in milli-CPUs.
func (c CPUCapacity) CPUMillis() uint32 {
	return uint32(c)
}

// Add returns c + other.
func (c CPUCapacity) Add(other CPUCapacity) CPUCapacity {
	return c + other
}

// Sub returns c - other. Callers must make sure other <= c: the result
// wraps around otherwise.
func (c CPUCapacity) Sub(other CPUCapacity) CPUCapacity {
	return c - other
}

// Mul multiplies the capacity by an integer factor.
func (c CPUCapacity) Mul(factor uint32) CPUCapacity {
	return c * CPUCapacity(factor)
}

// Scale multiplies the capacity by a float factor, truncating toward zero.
// The result saturates at the largest capacity.
func (c CPUCapacity) Scale(factor float32) CPUCapacity {
	scaled := float64(float32(c) * factor)
	if scaled <= 0 || math.IsNaN(scaled) {
		return 0
	}
	if scaled >= math.MaxUint32 {
		return CPUCapacity(math.MaxUint32)
	}
	return CPUCapacity(scaled)
}

// String returns the canonical "<n>m" form.
func (c CPUCapacity) String() string {
	return strconv.FormatUint(uint64(c), 10) + "m"
}

// ParseCPUCapacity parses the strict "<n>m" form.
func ParseCPUCapacity(s string) (CPUCapacity, error) {
	withoutUnit, ok := strings.CutSuffix(s, "m")
	if !ok {
		return 0, fmt.Errorf("invalid cpu capacity: `%s`. String format expects a trailing 'm'.", s)
	}
	milliCPUs, err := strconv.ParseUint(withoutUnit, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid cpu capacity: `%s`.", s)
	}
	return CPUCapacity(milliCPUs), nil
}

// fromWholeCPUs converts a number of CPUs (1.2 => 1200m). The scaling is
// done in single precision and truncated.
func fromWholeCPUs(cpus float64) (CPUCapacity, error) {
	if math.IsNaN(cpus) || math.IsInf(cpus, 0) || cpus < 0 {
		return 0, fmt.Errorf("invalid cpu capacity: `%v`.", cpus)
	}
	milliCPUs := float64(float32(cpus) * 1000)
	if milliCPUs >= math.MaxUint32+1 {
		return 0, fmt.Errorf("invalid cpu capacity: `%v`.", cpus)
	}
	return CPUCapacity(milliCPUs), nil
}

// decodeCPUCapacity is the lenient input path shared by the JSON and YAML
// decoders: numbers are whole CPUs, strings are milli-CPUs with a unit.
func decodeCPUCapacity(raw any) (CPUCapacity, error) {
	switch v := raw.(type) {
	case string:
		return ParseCPUCapacity(v)
	case float64:
		return fromWholeCPUs(v)
	case int:
		return fromWholeCPUs(float64(v))
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid cpu capacity: `%s`.", v)
		}
		return fromWholeCPUs(f)
	default:
		return 0, fmt.Errorf("invalid cpu capacity: unexpected %T", raw)
	}
}

// MarshalJSON emits the canonical string form.
func (c CPUCapacity) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts either a number of CPUs or a "<n>m" string.
func (c *CPUCapacity) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.New("invalid cpu capacity: null")
	}
	decoded, err := decodeCPUCapacity(raw)
	if err != nil {
		return err
	}
	*c = decoded
	return nil
}

// MarshalYAML emits the canonical string form.
func (c CPUCapacity) MarshalYAML() (any, error) {
	return c.String(), nil
}

// UnmarshalYAML accepts the same shapes as UnmarshalJSON.
func (c *CPUCapacity) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	switch value.Tag {
	case "!!int", "!!float":
		var f float64
		if err := value.Decode(&f); err != nil {
			return err
		}
		raw = f
	default:
		raw = value.Value
	}
	decoded, err := decodeCPUCapacity(raw)
	if err != nil {
		return err
	}
	*c = decoded
	return nil
}
