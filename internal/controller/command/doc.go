// Package command translates canonical control operations to their
// channel-specific spellings and routes each command to a transport.
//
// The push channel is preferred for its instant, delta-confirmed control;
// the stateless channel is the operation of last resort and is always
// attempted when the push path fails or one of its preconditions is
// unmet. Exactly one stateless attempt is made per logical command.
package command
