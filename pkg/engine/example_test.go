package engine_test

import (
	"fmt"

	"github.com/lattice-ops/lattice/pkg/engine"
)

func ExamplePatternClassifier_Classify() {
	pc, err := engine.NewPatternClassifier()
	if err != nil {
		panic(err)
	}

	output := `Creating VM "vm1"...
ERROR: (SkuNotAvailable) The requested size for resource 'vm1' is currently not available in location 'westeurope'.`

	if m, ok := pc.Classify(output); ok {
		fmt.Println(m.Code, m.Retryable)
		fmt.Println(m.Hint)
	}
	// Output:
	// SKU_NOT_AVAILABLE false
	// Choose another size or region.
}

func ExampleNewDefinitionError() {
	err := engine.NewDefinitionError(fmt.Errorf("kind is required"))
	fmt.Println(err)
	fmt.Println(engine.IsDefinitionError(err))
	// Output:
	// [DEFINITION_ERROR] invalid operation definition: kind is required
	// true
}
