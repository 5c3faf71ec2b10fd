package batch

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(filepath.Join(tmpDir, "uploads"))
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		var (
			name string
			key  string
			err  error
		)

		BeforeEach(func() {
			name = "id_通帳.pdf"
		})

		JustBeforeEach(func() {
			key, err = storage.Save(name, []byte("%PDF-1.4"))
		})

		When("saving succeeds", func() {
			It("should return the key", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(key).To(Equal(name))
			})

			It("should write the file to disk", func() {
				Expect(filepath.Join(tmpDir, "uploads", name)).To(BeAnExistingFile())
			})
		})

		When("the name escapes the directory", func() {
			BeforeEach(func() {
				name = "../outside.pdf"
			})

			It("should refuse it", func() {
				Expect(err).To(MatchError(ErrInvalidInput))
				Expect(filepath.Join(tmpDir, "outside.pdf")).NotTo(BeAnExistingFile())
			})
		})
	})

	Describe("Get", func() {
		It("reads back saved data", func() {
			_, err := storage.Save("a.pdf", []byte("content"))
			Expect(err).NotTo(HaveOccurred())
			data, err := storage.Get("a.pdf")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("content"))
		})

		It("reports missing files", func() {
			_, err := storage.Get("missing.pdf")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("Delete", func() {
		It("removes the file", func() {
			_, err := storage.Save("a.pdf", []byte("content"))
			Expect(err).NotTo(HaveOccurred())
			Expect(storage.Delete("a.pdf")).To(Succeed())
			_, statErr := os.Stat(filepath.Join(tmpDir, "uploads", "a.pdf"))
			Expect(os.IsNotExist(statErr)).To(BeTrue())
		})

		It("fails for missing files", func() {
			Expect(storage.Delete("missing.pdf")).NotTo(Succeed())
		})
	})
})
