// Package prompts assembles the context sent to the decision source and
// holds the fixed instruction text the runtime relies on.
//
// Prompt text is Go code rather than config files because it is program
// logic: the action schema is parsed back by the action package, and the
// builder output must be byte-for-byte reproducible so it can be hashed
// in traces.
package prompts
