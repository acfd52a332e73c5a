package rdmaxfer

import "github.com/ashwch/rdmaxfer/internal/reactor"

// submitDisconnect posts a CmdDisconnect to cmdCh and waits for either its
// reply or done closing. A reactor can tear itself down unprompted (the
// recv loop raises its own PeerInitiated Disconnect after the peer's
// teardown notification arrives), at which point nothing is left reading
// cmdCh or the reply channel it would carry; racing the submit and the
// reply wait against done avoids blocking forever on either step.
func submitDisconnect(cmdCh chan<- reactor.Command, done <-chan struct{}) error {
	reply := make(chan error, 1)
	select {
	case cmdCh <- reactor.Command{Kind: reactor.CmdDisconnect, Reply: reply}:
	case <-done:
		return nil
	}
	select {
	case err := <-reply:
		<-done
		return err
	case <-done:
		return nil
	}
}
