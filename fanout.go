package main

// Fanout implements C7: broadcasting a packet to some or all synced
// sessions, choosing a single reliable TCP frame, a chunked reliable UDP
// send (BD:/SC fragments), or an unreliable UDP datagram per packet,
// exactly mirroring the original's Respond/SendToAll channel selection
// (§4.7).
type Fanout struct {
	reg *Registry
}

// NewFanout returns a Fanout broadcasting over reg.
func NewFanout(reg *Registry) *Fanout {
	return &Fanout{reg: reg}
}

// channelFor decides how packet should leave the wire for one recipient,
// given whether the caller asked for a reliable send. Codes W, Y, V, E
// are always sent reliably regardless of the caller's request, matching
// the original's "Rel || C == 'W' || C == 'Y' || C == 'V' || C == 'E'"
// condition. Within the reliable branch, O/T codes or any payload over
// 1000 bytes go out chunked over reliable UDP (SendLarge); everything
// else goes out as a single reliable TCP frame.
func channelFor(packet []byte, reliable bool) (useReliable, chunked bool) {
	if len(packet) == 0 {
		return reliable, false
	}
	code := packet[0]
	forcedReliable := code == 'W' || code == 'Y' || code == 'V' || code == 'E'
	useReliable = reliable || forcedReliable
	if !useReliable {
		return false, false
	}
	chunked = code == 'O' || code == 'T' || len(packet) > 1000
	return true, chunked
}

// Respond sends packet to exactly one session, choosing the channel per
// channelFor. Grounded on InitClient.cpp's Respond.
func (f *Fanout) Respond(s *Session, packet []byte, reliable bool) error {
	useReliable, chunked := channelFor(packet, reliable)
	if !useReliable {
		return s.SendDatagram(packet)
	}
	if chunked {
		return sendLargeReliable(s, packet)
	}
	return s.WriteFrame(packet, false)
}

// SendToAll broadcasts packet to every synced session. If includeSelf is
// false, exclude is skipped (the sender itself, when the packet
// originated from a client rather than the server). Grounded on
// InitClient.cpp's SendToAll.
func (f *Fanout) SendToAll(exclude *Session, packet []byte, includeSelf, reliable bool) {
	f.reg.Each(func(s *Session) {
		if !includeSelf && exclude != nil && s.ID == exclude.ID {
			return
		}
		if s.Status() != StatusSynced {
			return
		}
		_ = f.Respond(s, packet, reliable)
	})
}

// sendLargeReliable pushes packet out over the session's reliability
// layer (C4), chunking it if needed and registering each fragment for
// retransmission until acked.
func sendLargeReliable(s *Session, packet []byte) error {
	fragments := s.reliability.buildReliable(packet)
	for _, frag := range fragments {
		id, ok := packetIDFromReliable(frag)
		if ok {
			s.reliability.trackPending(id, frag)
		}
		if err := s.SendDatagram(frag); err != nil {
			return err
		}
	}
	return nil
}
