package scanning

import (
	"bytes"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/bookscan/internal/scanning/scanningtest"
)

var _ = Describe("FitzRasterizer", func() {
	It("defaults the render scale", func() {
		Expect(NewFitzRasterizer(0).Scale).To(Equal(DefaultRenderScale))
		Expect(NewFitzRasterizer(3).Scale).To(Equal(3.0))
	})

	When("the document is a three page PDF", func() {
		var doc []byte

		BeforeEach(func() {
			doc = scanningtest.BlankPDF(3)
		})

		It("should count the pages", func() {
			n, err := NewFitzRasterizer(0).PageCount(doc)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(3))
		})

		It("should render every page in order", func() {
			pages, err := NewFitzRasterizer(0).Rasterize(doc)
			Expect(err).NotTo(HaveOccurred())
			Expect(pages).To(HaveLen(3))
			for i, page := range pages {
				Expect(page.Number).To(Equal(i + 1))
				Expect(page.Err).NotTo(HaveOccurred())
				Expect(page.Image).NotTo(BeEmpty())
			}
		})

		It("should produce PNGs at the chosen scale", func() {
			for _, scale := range []float64{1, DefaultRenderScale} {
				pages, err := NewFitzRasterizer(scale).Rasterize(doc)
				Expect(err).NotTo(HaveOccurred())

				cfg, err := png.DecodeConfig(bytes.NewReader(pages[0].Image))
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Width).To(BeNumerically("~", scanningtest.PagePoints*scale, 1))
				Expect(cfg.Height).To(BeNumerically("~", scanningtest.PagePoints*scale, 1))
			}
		})

		It("should be recognized as a PDF", func() {
			Expect(IsPDF(doc, "")).To(BeTrue())
		})
	})

	It("fails to count pages of a document MuPDF cannot open", func() {
		_, err := NewFitzRasterizer(0).PageCount([]byte("not a pdf"))
		Expect(err).To(MatchError(ContainSubstring("opening PDF")))
	})

	It("fails to rasterize a document MuPDF cannot open", func() {
		_, err := NewFitzRasterizer(0).Rasterize([]byte("not a pdf"))
		Expect(err).To(HaveOccurred())
	})
})
