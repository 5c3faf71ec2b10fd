package batch

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/bookscan/internal/ledger"
	"github.com/zombor/bookscan/internal/pipeline"
	"github.com/zombor/bookscan/internal/scanning"
)

var _ = Describe("BoltDB", func() {
	var (
		tmpDir string
		dbPath string
		db     *BoltDB
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		dbPath = filepath.Join(tmpDir, "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	newBatch := func(id string, created time.Time) *Batch {
		tx := scanning.Transaction{
			ID:          id + "-tx",
			Date:        "2024/01/15",
			Description: "ENEOS",
			Amount:      decimal.RequireFromString("-3000.50"),
			Type:        scanning.TypeExpense,
		}
		b := &Batch{
			ID:        id,
			ClientID:  "acme",
			BookType:  ledger.BookCredit,
			Filename:  id + "_statement.pdf",
			Pages:     []pipeline.PageResult{{PageNumber: 1, Transactions: []scanning.Transaction{tx}}},
			CreatedAt: created,
			UpdatedAt: created,
		}
		b.refresh()
		return b
	}

	Describe("SaveBatch", func() {
		var err error

		JustBeforeEach(func() {
			err = db.SaveBatch(newBatch("b1", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)))
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should round-trip the batch", func() {
			saved, getErr := db.GetBatch("b1")
			Expect(getErr).NotTo(HaveOccurred())
			Expect(saved.BookType).To(Equal(ledger.BookCredit))
			Expect(saved.Transactions).To(HaveLen(1))
			Expect(saved.Transactions[0].Amount.Equal(decimal.RequireFromString("-3000.5"))).To(BeTrue())
		})
	})

	Describe("GetBatch", func() {
		When("batch does not exist", func() {
			It("returns ErrNotFound", func() {
				_, err := db.GetBatch("missing")
				Expect(err).To(MatchError(ErrNotFound))
			})
		})
	})

	Describe("ListBatches", func() {
		When("no batches exist", func() {
			It("returns an empty list", func() {
				batches, err := db.ListBatches()
				Expect(err).NotTo(HaveOccurred())
				Expect(batches).NotTo(BeNil())
				Expect(batches).To(BeEmpty())
			})
		})

		When("batches exist", func() {
			BeforeEach(func() {
				Expect(db.SaveBatch(newBatch("old", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))).To(Succeed())
				Expect(db.SaveBatch(newBatch("new", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))).To(Succeed())
			})

			It("returns them newest first", func() {
				batches, err := db.ListBatches()
				Expect(err).NotTo(HaveOccurred())
				Expect(batches).To(HaveLen(2))
				Expect(batches[0].ID).To(Equal("new"))
				Expect(batches[1].ID).To(Equal("old"))
			})
		})
	})

	Describe("DeleteBatch", func() {
		It("removes the batch", func() {
			Expect(db.SaveBatch(newBatch("b1", time.Now()))).To(Succeed())
			Expect(db.DeleteBatch("b1")).To(Succeed())
			_, err := db.GetBatch("b1")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("reports missing batches", func() {
			Expect(db.DeleteBatch("missing")).To(MatchError(ErrNotFound))
		})
	})

	Describe("rules", func() {
		It("returns an empty set for a new client", func() {
			rules, err := db.GetRules("acme")
			Expect(err).NotTo(HaveOccurred())
			Expect(rules).To(BeEmpty())
		})

		It("keeps rules per client", func() {
			Expect(db.PutRule("acme", "ENEOS", ledger.LearningRule{Kamoku: "旅費交通費", SubKamoku: "ガソリン"})).To(Succeed())
			Expect(db.PutRule("other", "ENEOS", ledger.LearningRule{Kamoku: "車両費"})).To(Succeed())

			acme, err := db.GetRules("acme")
			Expect(err).NotTo(HaveOccurred())
			Expect(acme).To(Equal(ledger.RuleSet{"ENEOS": {Kamoku: "旅費交通費", SubKamoku: "ガソリン"}}))

			other, err := db.GetRules("other")
			Expect(err).NotTo(HaveOccurred())
			Expect(other["ENEOS"].Kamoku).To(Equal("車両費"))
		})

		It("replaces an existing rule", func() {
			Expect(db.PutRule("acme", "ENEOS", ledger.LearningRule{Kamoku: "旅費交通費"})).To(Succeed())
			Expect(db.PutRule("acme", "ENEOS", ledger.LearningRule{Kamoku: "車両費"})).To(Succeed())
			rules, err := db.GetRules("acme")
			Expect(err).NotTo(HaveOccurred())
			Expect(rules).To(HaveLen(1))
			Expect(rules["ENEOS"].Kamoku).To(Equal("車両費"))
		})

		It("deletes a rule", func() {
			Expect(db.PutRule("acme", "ENEOS", ledger.LearningRule{Kamoku: "旅費交通費"})).To(Succeed())
			Expect(db.DeleteRule("acme", "ENEOS")).To(Succeed())
			Expect(db.DeleteRule("acme", "ENEOS")).To(MatchError(ErrNotFound))
			Expect(db.DeleteRule("nobody", "ENEOS")).To(MatchError(ErrNotFound))
		})
	})

	It("persists across reopen", func() {
		Expect(db.PutRule("acme", "ENEOS", ledger.LearningRule{Kamoku: "旅費交通費"})).To(Succeed())
		Expect(db.Close()).To(Succeed())

		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
		rules, err := db.GetRules("acme")
		Expect(err).NotTo(HaveOccurred())
		Expect(rules).To(HaveKey("ENEOS"))
	})
})
