// Package dedupe suppresses repeated alerts within a time window.
//
// The coordinator marks a key such as "silent:<agent_id>" when it raises a
// WARNING and forgets it when the agent resumes, so each silence episode is
// reported once no matter how many monitoring ticks observe it.
package dedupe
