package stepconf

import "fmt"

// Validator is implemented by input structs that have rules spanning more than one field.
// It runs after every field has been parsed successfully.
type Validator interface {
	Validate() error
}

// InputParser ...
type InputParser interface {
	Parse(input interface{}) error
	ParseAndPrint(input interface{}) error
}

type defaultInputParser struct {
	envGetter EnvGetter
}

// NewInputParser ...
func NewInputParser(envGetter EnvGetter) InputParser {
	return defaultInputParser{
		envGetter: envGetter,
	}
}

// Parse fills input from the environment and runs its Validate method, if it has one.
func (p defaultInputParser) Parse(input interface{}) error {
	if err := parse(input, p.envGetter); err != nil {
		return err
	}

	if v, ok := input.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

// ParseAndPrint parses input and prints the resulting values with secrets redacted.
func (p defaultInputParser) ParseAndPrint(input interface{}) error {
	if err := p.Parse(input); err != nil {
		return err
	}
	Print(input)
	return nil
}
