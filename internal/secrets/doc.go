// Package secrets detects and redacts credentials in step outputs and
// assistant replies before they are checkpointed, published or returned.
//
// Detection combines a small set of fast regexp rules with the gitleaks
// default rule set. Findings never carry the matched value.
package secrets
