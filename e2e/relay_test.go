package e2e

import (
	"bytes"
	"chat-relay/client"
	"chat-relay/contract"
	"crypto/rand"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/suite"
)

type RelaySuite struct {
	BaseRelaySuite
}

func TestRelaySuite(t *testing.T) {
	suite.Run(t, new(RelaySuite))
}

func (s *RelaySuite) localOnly() {
	if s.orchestrator == nil {
		s.T().Skip("membership is only observable on the in process relay")
	}
}

func (s *RelaySuite) roomStat(room string) (contract.RoomStat, bool) {
	return lo.Find(s.orchestrator.Directory().Rooms(), func(r contract.RoomStat) bool {
		return string(r.Room) == room
	})
}

func (s *RelaySuite) TestText_Reaches_Others_Only() {
	s.Step("A and B join lobby")
	a := s.Connect("A", "lobby-1")
	b := s.Connect("B", "lobby-1")
	s.Equal(client.NoticeEvent{Text: "B has joined the room."}, s.Next(a))

	s.Step("A says hi")
	s.Require().NoError(a.Send("hi"))

	s.Equal(client.TextEvent{Sender: "A", Body: "hi"}, s.Next(b))
	s.Silent(b)
	s.Silent(a)
}

func (s *RelaySuite) TestExit_Notifies_And_Leaves() {
	s.localOnly()
	a := s.Connect("A", "lobby-2")
	b := s.Connect("B", "lobby-2")
	s.Equal(client.NoticeEvent{Text: "B has joined the room."}, s.Next(a))

	s.Step("A exits")
	s.Require().NoError(a.Exit())

	s.Equal(client.NoticeEvent{Text: "A has left the room."}, s.Next(b))
	select {
	case <-a.Done():
	case <-time.After(s.Config.Timeout):
		s.Fail("relay should close the connection after EXIT")
	}

	stat, ok := s.roomStat("lobby-2")
	s.True(ok)
	s.Equal(1, stat.Members)
}

func (s *RelaySuite) TestFile_Offer_Accept_And_Decline() {
	a := s.Connect("A", "lobby-3")
	b := s.Connect("B", "lobby-3")
	s.Equal(client.NoticeEvent{Text: "B has joined the room."}, s.Next(a))
	c := s.Connect("C", "lobby-3")
	s.Equal(client.NoticeEvent{Text: "C has joined the room."}, s.Next(a))
	s.Equal(client.NoticeEvent{Text: "C has joined the room."}, s.Next(b))

	s.Step("A offers report.pdf")
	content := make([]byte, 10000)
	_, err := rand.Read(content)
	s.Require().NoError(err)
	s.Require().NoError(a.OfferFile("report.pdf", int64(len(content)), bytes.NewReader(content)))

	offerB, ok := s.Next(b).(client.OfferEvent)
	s.Require().True(ok)
	s.Equal("A", offerB.Offer.Sender)
	s.Equal("report.pdf", offerB.Offer.FileName)
	s.Equal(uint64(10000), offerB.Offer.Size)
	offerC, ok := s.Next(c).(client.OfferEvent)
	s.Require().True(ok)
	s.Equal(offerB.Offer.TransferID, offerC.Offer.TransferID)

	s.Step("B accepts")
	s.Require().NoError(b.Accept())
	file, ok := s.Next(b).(client.FileEvent)
	s.Require().True(ok)
	s.Equal(content, file.Data)

	// C has not answered yet
	s.Silent(a)

	s.Step("C declines")
	s.Require().NoError(c.Decline())

	done, ok := s.Next(a).(client.CompleteEvent)
	s.Require().True(ok)
	s.Equal(offerB.Offer.TransferID, done.Result.TransferID)
	s.Equal(uint64(1), done.Result.Delivered)
	s.Equal(uint64(1), done.Result.Declined)
	s.Zero(done.Result.Disconnected)
	s.Zero(done.Result.Failed)

	s.Silent(c)
	s.Silent(a)
}

func (s *RelaySuite) TestImmediate_Disconnect_Leaves_Room_Empty() {
	s.localOnly()
	d := s.Connect("D", "x")

	s.Step("D disconnects without a word")
	s.Require().NoError(d.Close())

	s.Eventually(func() bool {
		_, ok := s.roomStat("x")
		return !ok
	}, s.Config.Timeout, 20*time.Millisecond)
}
