/*
Package bus wraps the shared Redis instance behind the operations the
controller actually needs: NX EX locks with TTLs (deploy locks),
cooldown keys (enforcement pacing), and a pub/sub channel (cleanup
events). Keeping cooldowns and locks in Redis rather than the database
lets multiple controller workers converge on the same decisions.
*/
package bus
