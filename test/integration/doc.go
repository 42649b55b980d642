// Package integration runs complete cmmd nodes in process on loopback and
// exercises them through their client API and HTTP ports. The tests are
// skipped with -short.
package integration
