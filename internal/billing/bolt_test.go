package billing

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.etcd.io/bbolt"
)

var _ = Describe("BoltStore", func() {
	var (
		ctx   context.Context
		db    *bbolt.DB
		store *BoltStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = bbolt.Open(filepath.Join(GinkgoT().TempDir(), "bills.db"), 0600, nil)
		Expect(err).NotTo(HaveOccurred())
		store, err = NewBoltStore(db)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	bill := func(id string, total float64) *Bill {
		return &Bill{ID: id, Name: "Ada", Email: "ada@example.com", Total: total, Timestamp: "2024-03-10T09:00:00Z"}
	}

	Describe("InsertBill", func() {
		var err error

		JustBeforeEach(func() {
			err = store.InsertBill(ctx, bill("bill-1", 10))
		})

		When("the bill is new", func() {
			It("should store it", func() {
				Expect(err).NotTo(HaveOccurred())
				saved, getErr := store.GetBill(ctx, "bill-1")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.Total).To(Equal(10.0))
			})
		})

		When("a bill with the same id exists", func() {
			BeforeEach(func() {
				Expect(store.InsertBill(ctx, bill("bill-1", 99))).To(Succeed())
			})

			It("should return ErrBillExists", func() {
				Expect(err).To(MatchError(ErrBillExists))
			})

			It("should leave the stored bill untouched", func() {
				saved, getErr := store.GetBill(ctx, "bill-1")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.Total).To(Equal(99.0))
			})
		})
	})

	Describe("GetBill", func() {
		It("should return ErrBillNotFound for a missing id", func() {
			_, err := store.GetBill(ctx, "missing")
			Expect(err).To(MatchError(ErrBillNotFound))
		})
	})

	Describe("HasBill", func() {
		It("should report stored bills", func() {
			Expect(store.InsertBill(ctx, bill("bill-1", 1))).To(Succeed())

			found, err := store.HasBill(ctx, "bill-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())

			found, err = store.HasBill(ctx, "bill-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
		})
	})

	Describe("ScanBills", func() {
		BeforeEach(func() {
			for i := range 5 {
				Expect(store.InsertBill(ctx, bill(fmt.Sprintf("bill-%d", i), float64(i)))).To(Succeed())
			}
		})

		It("should page through every bill in id order", func() {
			first, err := store.ScanBills(ctx, "", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Bills).To(HaveLen(2))
			Expect(first.Bills[0].ID).To(Equal("bill-0"))
			Expect(first.Next).To(Equal("bill-1"))

			second, err := store.ScanBills(ctx, first.Next, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Bills[0].ID).To(Equal("bill-2"))
			Expect(second.Next).To(Equal("bill-3"))

			last, err := store.ScanBills(ctx, second.Next, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(last.Bills).To(HaveLen(1))
			Expect(last.Next).To(BeEmpty())
		})

		It("should not report a next page when the last page is exactly full", func() {
			page, err := store.ScanBills(ctx, "", 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Bills).To(HaveLen(5))
			Expect(page.Next).To(BeEmpty())
		})

		It("should visit every bill once through ForEachBill", func() {
			var seen []string
			err := ForEachBill(ctx, store, 2, func(b *Bill) error {
				seen = append(seen, b.ID)
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(Equal([]string{"bill-0", "bill-1", "bill-2", "bill-3", "bill-4"}))
		})
	})

	Describe("PurgeExpired", func() {
		now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

		BeforeEach(func() {
			expired := bill("old", 1)
			expired.ExpireAfter(now.Add(-48*time.Hour), 24*time.Hour)
			fresh := bill("new", 1)
			fresh.ExpireAfter(now, 24*time.Hour)
			forever := bill("forever", 1)

			for _, b := range []*Bill{expired, fresh, forever} {
				Expect(store.InsertBill(ctx, b)).To(Succeed())
			}
		})

		It("should delete only bills whose ttl has passed", func() {
			purged, err := store.PurgeExpired(ctx, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(purged).To(Equal(1))

			found, _ := store.HasBill(ctx, "old")
			Expect(found).To(BeFalse())
			found, _ = store.HasBill(ctx, "new")
			Expect(found).To(BeTrue())
			found, _ = store.HasBill(ctx, "forever")
			Expect(found).To(BeTrue())
		})
	})
})
