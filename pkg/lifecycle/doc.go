/*
Package lifecycle holds the node state machine: which actual-state
transitions are legal, which commands are admitted against which
states, and how a lab's aggregate state derives from its nodes. Pure
functions over the entity types; the API guards and the enforcement
loop share them so both apply identical rules.
*/
package lifecycle
