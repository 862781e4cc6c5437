// Package prompts contains the LLM prompt text used by Sage.
//
// Prompt text is Go code rather than config files because it is program
// logic: it is interpolated with live collection data each turn and can
// be validated by tests. User-facing configuration lives in config.yaml.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the finished
// prompt string.
package prompts
