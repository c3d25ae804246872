// Package xcpngtests drives integration tests against XCP-ng hosts.
//
// The top-level object is a Harness. It resolves the pools named on
// the command line into live Host handles (provisioning nested hosts
// inside VMs when asked to), and everything created through it is
// cleaned up when the Harness is closed.
//
// Hosts, VMs, SRs, VDIs, VBDs and VIFs are references to objects that
// live on the management plane, not owners of local state. All
// operations on them go through the xe CLI over SSH; there is no
// event channel from the pool, so every "wait for X" is a polling
// loop with a bounded timeout (see WaitFor).
//
// Tests declare the VMs they need as VMDefinitions and hand them to a
// FixtureSet, which creates the resources in order, tracks them, and
// tears them down in reverse dependency order (VBDs, then VDIs, then
// VMs) no matter where setup stopped. A definition may instead name
// another test's image via ImageTest, in which case the FixtureSet
// clones a previously cached VM rather than rebuilding it; the cache
// key is derived from the test identifier, the VM name and the git
// revision of this repository, so cached images go stale with the
// code that built them.
package xcpngtests // import "github.com/rushikeshjadhav/xcp-ng-tests"
