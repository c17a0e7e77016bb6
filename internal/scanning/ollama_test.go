package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

func testPNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

func testJPEG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	var buf bytes.Buffer
	Expect(jpeg.Encode(&buf, img, nil)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Ollama", func() {
	var (
		server  *ghttp.Server
		scanner *Ollama
		data    []byte
		ctype   string
		fields  []Field
		err     error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		scanner = NewOllama(server.URL()+"/", "llava")
		data = testPNG()
		ctype = "image/png"
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		fields, err = scanner.ScanDocument(context.Background(), data, ctype)
	})

	When("the model answers with fields", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					var req ollamaChatRequest
					Expect(decodeJSON(r, &req)).To(Succeed())
					Expect(req.Model).To(Equal("llava"))
					Expect(req.Stream).To(BeFalse())
					Expect(req.Messages).To(HaveLen(2))
					Expect(req.Format).To(Equal("json"))
					Expect(req.Options).To(HaveKeyWithValue("temperature", BeNumerically("==", 0)))
					Expect(req.Messages[1].Images).To(ConsistOf(base64.StdEncoding.EncodeToString(data)))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{
						Role:    "assistant",
						Content: `{"fields":[{"type":"TOTAL","text":"$42.75"},{"type":"VENDOR_NAME","text":"CVS"}]}`,
					},
					Done: true,
				}),
			))
		})

		It("should return the parsed fields", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(fields).To(Equal([]Field{
				{Type: FieldTotal, Text: "$42.75"},
				{Type: FieldVendorName, Text: "CVS"},
			}))
		})
	})

	When("the API returns an error status", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("returns the error", func() {
			Expect(err).To(MatchError(ContainSubstring("status 500")))
			Expect(err).To(MatchError(ContainSubstring("model not loaded")))
		})
	})

	When("the model answers with prose", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: ollamaMessage{Role: "assistant", Content: "I can't read that."},
				Done:    true,
			}))
		})

		It("returns the error", func() {
			Expect(err).To(MatchError(ContainSubstring("parsing ollama response")))
		})
	})

	When("the document cannot be decoded", func() {
		BeforeEach(func() {
			data = []byte("not an image")
			ctype = "image/jpeg"
		})

		It("should not call the API", func() {
			Expect(err).To(MatchError(ContainSubstring("converting image to PNG")))
			Expect(server.ReceivedRequests()).To(BeEmpty())
		})
	})
})

var _ = Describe("renderPages", func() {
	It("should pass PNG data through unchanged", func() {
		data := testPNG()
		pages, err := renderPages(data, "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(pages).To(Equal([][]byte{data}))
	})

	It("should convert JPEG to a single PNG page", func() {
		pages, err := renderPages(testJPEG(), "Image/JPEG; charset=binary")
		Expect(err).NotTo(HaveOccurred())
		Expect(pages).To(HaveLen(1))
		_, format, decodeErr := image.Decode(bytes.NewReader(pages[0]))
		Expect(decodeErr).NotTo(HaveOccurred())
		Expect(format).To(Equal("png"))
	})

	It("should reject a broken PDF", func() {
		_, err := renderPages([]byte("%PDF-garbage"), "application/pdf")
		Expect(err).To(MatchError(ContainSubstring("converting PDF to images")))
	})

	It("should detect HEIC by its ftyp brand", func() {
		data := append([]byte{0, 0, 0, 24}, []byte("ftypheic")...)
		Expect(isHEIC(data, "application/octet-stream")).To(BeTrue())
		Expect(isHEIC(testPNG(), "image/png")).To(BeFalse())
	})
})

var _ = DescribeTable("selectPages",
	func(total, limit int, expected []int) {
		Expect(selectPages(total, limit)).To(Equal(expected))
	},
	Entry("single page", 1, 3, []int{0}),
	Entry("fits the limit", 3, 3, []int{0, 1, 2}),
	Entry("long document keeps the last page", 10, 3, []int{0, 1, 9}),
	Entry("limit of one keeps the last page", 5, 1, []int{4}),
)
