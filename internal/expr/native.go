package expr

import (
	"time"

	"github.com/google/uuid"
	"github.com/robertkrimen/otto"
)

// bindBuiltinFunctions installs now() and uuid(), the two whitelisted
// functions (spec §4.A) that have no native ES5 equivalent and must be
// supplied from Go. Everything else in the whitelist (JSON, Object, Math,
// Array.prototype, String.prototype) is already present in otto's runtime.
func bindBuiltinFunctions(vm *otto.Otto) error {
	if err := vm.Set("now", func(call otto.FunctionCall) otto.Value {
		v, _ := vm.ToValue(time.Now().UTC().Format(time.RFC3339Nano))
		return v
	}); err != nil {
		return err
	}
	if err := vm.Set("uuid", func(call otto.FunctionCall) otto.Value {
		v, _ := vm.ToValue(uuid.New().String())
		return v
	}); err != nil {
		return err
	}
	return nil
}
