package eventbus

import (
	"time"

	"github.com/flashgrid/flashd/internal/inventory"
	"github.com/flashgrid/flashd/internal/job"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Bus", func() {
	var bus *Bus

	BeforeEach(func() {
		bus = New()
	})

	Describe("PublishJob", func() {
		It("delivers a job_update event to a subscriber", func() {
			sub := bus.Subscribe()
			defer sub.Unsubscribe()

			bus.PublishJob(job.Snapshot{JobID: "job-1", State: job.StateWriting})

			Eventually(sub.Notify(), time.Second).Should(Receive())
			events := sub.Drain()
			Expect(events).To(HaveLen(1))
			Expect(events[0].Type).To(Equal(EventJobUpdate))
			Expect(events[0].JobID).To(Equal("job-1"))
			Expect(events[0].Job.State).To(Equal(job.StateWriting))
		})
	})

	Describe("PublishBatch", func() {
		It("delivers a batch_update event naming the batch", func() {
			sub := bus.Subscribe()
			defer sub.Unsubscribe()

			bus.PublishBatch("batch-7")

			Eventually(sub.Notify(), time.Second).Should(Receive())
			events := sub.Drain()
			Expect(events).To(HaveLen(1))
			Expect(events[0].Type).To(Equal(EventBatchUpdate))
			Expect(events[0].BatchID).To(Equal("batch-7"))
		})
	})

	Describe("PublishDrive", func() {
		It("delivers a drive_change event carrying the drive snapshot", func() {
			sub := bus.Subscribe()
			defer sub.Unsubscribe()

			bus.PublishDrive(inventory.Drive{DevicePath: "/dev/sdx", Removable: true})

			Eventually(sub.Notify(), time.Second).Should(Receive())
			events := sub.Drain()
			Expect(events).To(HaveLen(1))
			Expect(events[0].Type).To(Equal(EventDriveChange))
			Expect(events[0].Drive.DevicePath).To(Equal("/dev/sdx"))
		})
	})

	Describe("PublishLog coalescing", func() {
		It("coalesces multiple lines into one job_log event after the window elapses", func() {
			sub := bus.Subscribe()
			defer sub.Unsubscribe()

			bus.PublishLog("job-1", "line one")
			bus.PublishLog("job-1", "line two")
			bus.PublishLog("job-1", "line three")

			Eventually(sub.Notify(), time.Second).Should(Receive())
			events := sub.Drain()
			Expect(events).To(HaveLen(1))
			Expect(events[0].Type).To(Equal(EventJobLog))
			Expect(events[0].LogLines).To(Equal([]string{"line one", "line two", "line three"}))
		})
	})

	Describe("multiple subscribers", func() {
		It("fans out the same event to every subscriber independently", func() {
			subA := bus.Subscribe()
			defer subA.Unsubscribe()
			subB := bus.Subscribe()
			defer subB.Unsubscribe()

			bus.PublishBatch("batch-1")

			Eventually(subA.Notify(), time.Second).Should(Receive())
			Eventually(subB.Notify(), time.Second).Should(Receive())
			Expect(subA.Drain()).To(HaveLen(1))
			Expect(subB.Drain()).To(HaveLen(1))
		})
	})

	Describe("Unsubscribe", func() {
		It("stops delivering events to an unsubscribed client", func() {
			sub := bus.Subscribe()
			sub.Unsubscribe()

			bus.PublishBatch("batch-1") // must not panic or deadlock on a removed subscriber

			select {
			case <-sub.Notify():
				Fail("an unsubscribed subscriber must not receive further events")
			case <-time.After(50 * time.Millisecond):
			}
		})
	})
})

var _ = Describe("subscriber ring buffer", func() {
	It("keeps events in chronological order up to capacity", func() {
		s := newSubscriber(3)
		s.push(Event{Type: EventBatchUpdate, BatchID: "1"})
		s.push(Event{Type: EventBatchUpdate, BatchID: "2"})
		s.push(Event{Type: EventBatchUpdate, BatchID: "3"})

		out := s.drain()
		Expect(out).To(HaveLen(3))
		Expect(out[0].BatchID).To(Equal("1"))
		Expect(out[2].BatchID).To(Equal("3"))
	})

	It("drops the oldest event and surfaces a resync marker on overflow", func() {
		s := newSubscriber(2)
		s.push(Event{Type: EventBatchUpdate, BatchID: "1"})
		s.push(Event{Type: EventBatchUpdate, BatchID: "2"})
		s.push(Event{Type: EventBatchUpdate, BatchID: "3"}) // overflow: "1" is lost

		out := s.drain()
		Expect(out[0].Type).To(Equal(EventResync))
		Expect(out[len(out)-1].BatchID).To(Equal("3"))
	})

	It("resets lostAny after a drain so a clean run doesn't resync again", func() {
		s := newSubscriber(2)
		s.push(Event{Type: EventBatchUpdate, BatchID: "1"})
		s.push(Event{Type: EventBatchUpdate, BatchID: "2"})
		s.push(Event{Type: EventBatchUpdate, BatchID: "3"})
		s.drain()

		s.push(Event{Type: EventBatchUpdate, BatchID: "4"})
		out := s.drain()
		Expect(out).To(HaveLen(1))
		Expect(out[0].Type).To(Equal(EventBatchUpdate))
	})
})
