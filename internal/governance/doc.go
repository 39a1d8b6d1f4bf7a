// Package governance holds the resilience primitives shared by the decision engine:
// retry with exponential backoff for durable audit writes and a circuit breaker that
// guards directory lookups so an unhealthy collaborator fails closed quickly.
package governance
