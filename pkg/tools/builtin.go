package tools

// BuiltinConfig collects the options for the built-in tool set.
type BuiltinConfig struct {
	CodeExecute CodeExecuteConfig
	File        FileToolConfig
	Web         WebRequestConfig
}

// RegisterBuiltins installs the control tools and the built-in local tools
// into the registry.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	builtins := []Tool{
		NewTaskCompleteTool(),
		NewStepCompleteTool(),
		NewAskHumanTool(),
		NewCodeExecuteTool(cfg.CodeExecute),
		NewFileWriteTool(cfg.File),
		NewFileReadTool(cfg.File),
		NewWebRequestTool(cfg.Web),
	}
	for _, t := range builtins {
		if err := r.RegisterTool(t); err != nil {
			return err
		}
	}
	return nil
}
