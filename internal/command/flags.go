package command

import (
	"strconv"
	"strings"
)

// StringSliceFlag implements flag.Value to accumulate repeated flag
// occurrences into a slice. Each occurrence's value is appended as given;
// it is not split on commas.
type StringSliceFlag struct {
	Values *[]string
}

// String implements flag.Value.
func (f StringSliceFlag) String() string {
	if f.Values == nil {
		return ""
	}
	return strings.Join(*f.Values, ",")
}

// Set implements flag.Value.
func (f StringSliceFlag) Set(v string) error {
	*f.Values = append(*f.Values, v)
	return nil
}

// CountFlag implements flag.Value for a flag that may be repeated to
// increase a count, as in "-v -v -v" for verbosity level 3.
type CountFlag struct {
	N *int
}

// String implements flag.Value.
func (f CountFlag) String() string {
	if f.N == nil {
		return "0"
	}
	return strconv.Itoa(*f.N)
}

// Set implements flag.Value. Set is called once per occurrence of the
// flag; the boolean form ("-v") passes "true".
func (f CountFlag) Set(v string) error {
	if v == "true" || v == "" {
		*f.N++
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*f.N = n
	return nil
}

// IsBoolFlag marks CountFlag as a boolean flag so "-v" works without "=true".
func (f CountFlag) IsBoolFlag() bool { return true }
