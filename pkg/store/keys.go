package store

// Key schema. Addresses are always EIP-55 checksummed before keying.
const (
	keySettings      = "ref:settings"
	keyReferrerSet   = "ref:referrers"
	keyRebateUserSet = "ref:rebateusers"
	keyVoterSet      = "votes:voters"
	ChannelAccruals  = "refyield:accruals"
)

func keyCode(code string) string            { return "ref:code:" + code }
func keyCodesOf(referrer string) string     { return "ref:codes:" + referrer }
func keyBinding(referred string) string     { return "ref:binding:" + referred }
func keyTotals(referrer string) string      { return "ref:totals:" + referrer }
func keyRebate(user string) string          { return "ref:rebate:" + user }
func keyPosition(user, token string) string { return "yield:pos:" + user + ":" + token }
func keyCursor(stream string) string        { return "sync:cursor:" + stream }
func keyNonceCounter(addr string) string    { return "nonce:ctr:" + addr }
func keyNonceUsed(addr, nonce string) string {
	return "nonce:used:" + addr + ":" + nonce
}
func keyMarksSeen(eventID string) string { return "marks:seen:" + eventID }
func keyBallot(voter string) string      { return "votes:ballot:" + voter }
