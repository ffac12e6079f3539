/*
Package events provides a lightweight publish/subscribe broker for fleet
lifecycle events: machine status transitions, command lifecycle changes and
cluster node membership. Delivery is best-effort; slow subscribers drop
events rather than block the publisher.
*/
package events
