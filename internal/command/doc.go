// Package command maps inbound messages to handlers. Registrations are keyed
// by channel/type/action, either exactly or by channel (and type) prefix;
// the registry composes each registration's primary, dead-letter and
// exception actions into one handler and keeps dispatch statistics.
package command
