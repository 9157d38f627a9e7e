// Package safety decides the risk tier of a concrete action invocation.
//
// A Classifier resolves in this order:
//
//  1. Pinned tiers from the policy file.
//  2. The static allow-list of read-only actions and shell command prefixes,
//     which resolve to low without consulting the oracle.
//  3. The Assessor (the intent oracle at zero temperature). Any assessor
//     error resolves to critical.
//
// Independently of all three, an argument value containing shell
// meta-characters raises the result to at least high.
package safety
