package redisstore_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	fallback "github.com/JohnPlummer/jp-go-fallback"
	"github.com/JohnPlummer/jp-go-fallback/redisstore"
)

func item(id, url string) fallback.QueueItem {
	return fallback.QueueItem{
		ID:         id,
		EnqueuedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Operation: fallback.RequestDescriptor{
			Method:  "PUT",
			URL:     url,
			Body:    []byte(`{"quantity":2}`),
			Headers: map[string]string{"Idempotency-Key": "key-" + id},
		},
	}
}

var _ = Describe("Store", func() {
	var (
		mr    *miniredis.Miniredis
		rdb   *redis.Client
		store *redisstore.Store
		ctx   context.Context
	)

	BeforeEach(func() {
		mr = miniredis.RunT(GinkgoT())
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		store = redisstore.New(rdb, "test:queue")
		ctx = context.Background()
	})

	AfterEach(func() {
		_ = store.Close()
	})

	It("should list an empty queue", func() {
		items, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(BeEmpty())
	})

	It("should keep items in append order", func() {
		Expect(store.Append(ctx, item("a", "https://api.test/cart/1"))).To(Succeed())
		Expect(store.Append(ctx, item("b", "https://api.test/cart/2"))).To(Succeed())
		Expect(store.Append(ctx, item("c", "https://api.test/cart/3"))).To(Succeed())

		items, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(HaveLen(3))
		Expect([]string{items[0].ID, items[1].ID, items[2].ID}).To(Equal([]string{"a", "b", "c"}))
	})

	It("should round-trip the operation descriptor", func() {
		Expect(store.Append(ctx, item("a", "https://api.test/cart/1"))).To(Succeed())

		items, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		op := items[0].Operation
		Expect(op.Method).To(Equal("PUT"))
		Expect(op.URL).To(Equal("https://api.test/cart/1"))
		Expect(op.Body).To(MatchJSON(`{"quantity":2}`))
		Expect(op.Headers).To(HaveKeyWithValue("Idempotency-Key", "key-a"))
		Expect(items[0].EnqueuedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))).To(BeTrue())
	})

	It("should update an item in place", func() {
		Expect(store.Append(ctx, item("a", "https://api.test/cart/1"))).To(Succeed())
		Expect(store.Append(ctx, item("b", "https://api.test/cart/2"))).To(Succeed())

		updated := item("a", "https://api.test/cart/1")
		updated.AttemptCount = 2
		updated.LastError = "server_error (status 503): Service Unavailable"
		Expect(store.Update(ctx, updated)).To(Succeed())

		items, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(items[0].ID).To(Equal("a"))
		Expect(items[0].AttemptCount).To(Equal(2))
		Expect(items[0].LastError).To(ContainSubstring("503"))
	})

	It("should report unknown ids", func() {
		err := store.Update(ctx, item("missing", "https://api.test/x"))
		Expect(errors.Is(err, fallback.ErrItemNotFound)).To(BeTrue())

		err = store.Remove(ctx, "missing")
		Expect(errors.Is(err, fallback.ErrItemNotFound)).To(BeTrue())
	})

	It("should not write back items removed during an update", func() {
		const n = 40
		for i := range n {
			Expect(store.Append(ctx, item(fmt.Sprintf("id-%d", i), "https://api.test/cart"))).To(Succeed())
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer GinkgoRecover()
			defer wg.Done()
			for i := range n {
				Expect(store.Remove(ctx, fmt.Sprintf("id-%d", i))).To(Succeed())
			}
		}()
		go func() {
			defer GinkgoRecover()
			defer wg.Done()
			for i := range n {
				it := item(fmt.Sprintf("id-%d", i), "https://api.test/cart")
				it.AttemptCount = 1
				err := store.Update(ctx, it)
				if err != nil && !errors.Is(err, fallback.ErrItemNotFound) {
					Expect(err).To(MatchError(ContainSubstring("concurrent changes")))
				}
			}
		}()
		wg.Wait()

		Expect(mr.Exists("test:queue:items")).To(BeFalse())
		Expect(mr.Exists("test:queue:ids")).To(BeFalse())
		items, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(BeEmpty())
	})

	It("should remove items from both keys", func() {
		Expect(store.Append(ctx, item("a", "https://api.test/cart/1"))).To(Succeed())
		Expect(store.Append(ctx, item("b", "https://api.test/cart/2"))).To(Succeed())

		Expect(store.Remove(ctx, "a")).To(Succeed())

		items, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(HaveLen(1))
		Expect(items[0].ID).To(Equal("b"))
		Expect(mr.HKeys("test:queue:items")).To(Equal([]string{"b"}))
	})

	It("should survive a new store instance", func() {
		Expect(store.Append(ctx, item("a", "https://api.test/cart/1"))).To(Succeed())

		other := redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:queue")
		defer other.Close()

		items, err := other.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(HaveLen(1))
	})

	It("should clear the queue", func() {
		Expect(store.Append(ctx, item("a", "https://api.test/cart/1"))).To(Succeed())
		Expect(store.Clear(ctx)).To(Succeed())

		items, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(BeEmpty())
	})

	It("should back a MutationQueue with ordered replay", func() {
		var replayed []string
		queue := fallback.NewMutationQueue(
			fallback.WithQueueStore(store),
			fallback.WithReplayer(fallback.ReplayFunc(func(_ context.Context, it fallback.QueueItem) error {
				replayed = append(replayed, it.Operation.URL)
				return nil
			})),
		)

		for _, u := range []string{"https://api.test/1", "https://api.test/2"} {
			_, err := queue.Enqueue(ctx, fallback.RequestDescriptor{Method: "POST", URL: u})
			Expect(err).NotTo(HaveOccurred())
		}

		res, err := queue.DrainAndReplay(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Succeeded).To(HaveLen(2))
		Expect(replayed).To(Equal([]string{"https://api.test/1", "https://api.test/2"}))

		n, err := queue.Len(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())
	})

	Describe("Connect", func() {
		It("should connect using a redis URL", func() {
			s, err := redisstore.Connect(ctx, "redis://"+mr.Addr(), "")
			Expect(err).NotTo(HaveOccurred())
			defer s.Close()
			Expect(s.Append(ctx, item("a", "https://api.test/1"))).To(Succeed())
			Expect(mr.Exists(redisstore.DefaultPrefix + ":ids")).To(BeTrue())
		})

		It("should reject malformed URLs", func() {
			_, err := redisstore.Connect(ctx, "://bad", "")
			Expect(err).To(HaveOccurred())
		})
	})
})
