/*
Package cloudapi is the orchestrator's only outbound dependency on the GPU
cloud provider. Every other package that needs to spawn, poll, or tear down
a worker's underlying pod goes through the CloudAPI interface defined here,
never the provider's SDK or HTTP shape directly, so the lifecycle manager
and its tests can run against an in-memory fake.
*/
package cloudapi
