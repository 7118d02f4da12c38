// Package builtins links every built-in plugin into the runtime registry.
// Import it for its side effects, then call runtime.Install on each VM.
package builtins

import (
	_ "github.com/xirelogy/go-sqvm/internal/builtins/delegate"
	_ "github.com/xirelogy/go-sqvm/internal/builtins/error"
	_ "github.com/xirelogy/go-sqvm/internal/builtins/index_exist"
	_ "github.com/xirelogy/go-sqvm/internal/builtins/index_read"
	_ "github.com/xirelogy/go-sqvm/internal/builtins/length"
	_ "github.com/xirelogy/go-sqvm/internal/builtins/suspend"
	_ "github.com/xirelogy/go-sqvm/internal/builtins/typeof"
	_ "github.com/xirelogy/go-sqvm/internal/builtins/value_exist"
	_ "github.com/xirelogy/go-sqvm/internal/builtins/weakref"
)
