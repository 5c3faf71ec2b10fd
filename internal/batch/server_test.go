package batch

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/shopspring/decimal"

	"github.com/zombor/bookscan/internal/ledger"
	"github.com/zombor/bookscan/internal/pipeline"
	"github.com/zombor/bookscan/internal/scanning"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		scanner     *mockScanner
		auth        BasicAuth
		server      *Server
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		scanner = newMockScanner()
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		service := NewServiceWithDeps(db, scanner, storage, Defaults{AutoGuess: true},
			&mockIDGenerator{id: "batch-1"}, &mockTimeSource{})
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	do := func(method, path string, body io.Reader, header http.Header) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		for k, v := range header {
			req.Header[k] = v
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	jsonBody := func(v any) io.Reader {
		data, err := json.Marshal(v)
		Expect(err).NotTo(HaveOccurred())
		return bytes.NewReader(data)
	}

	multipartUpload := func(filename string, data []byte, fields map[string]string) (io.Reader, http.Header) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		for k, v := range fields {
			Expect(mw.WriteField(k, v)).To(Succeed())
		}
		Expect(mw.Close()).To(Succeed())
		return &buf, http.Header{"Content-Type": {mw.FormDataContentType()}}
	}

	Describe("GET /api/batches", func() {
		When("no batches exist", func() {
			It("returns an empty array", func() {
				resp := do("GET", "/api/batches", nil, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
				var batches []*Batch
				decode(resp, &batches)
				Expect(batches).NotTo(BeNil())
				Expect(batches).To(BeEmpty())
			})
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.listErr = io.ErrUnexpectedEOF
			})

			It("hides the cause", func() {
				resp := do("GET", "/api/batches", nil, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				var body map[string]string
				decode(resp, &body)
				Expect(body["error"]).To(Equal("Internal server error"))
			})
		})
	})

	Describe("POST /api/batches", func() {
		When("a multipart form is uploaded", func() {
			It("creates a batch", func() {
				body, header := multipartUpload("statement.pdf", []byte("%PDF-1.7 fake"), map[string]string{
					"client":    "acme",
					"bookType":  "deposit",
					"autoGuess": "false",
				})
				resp := do("POST", "/api/batches", body, header)
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				var b Batch
				decode(resp, &b)
				Expect(b.ID).To(Equal("batch-1"))
				Expect(b.ClientID).To(Equal("acme"))
				Expect(b.BookType).To(Equal(ledger.BookDeposit))
				Expect(b.Transactions).To(HaveLen(2))
				Expect(scanner.lastDoc.MIMEType).To(Equal("application/pdf"))
				Expect(scanner.lastOpts.AutoGuess).To(BeFalse())
			})

			It("rejects a bad autoGuess value", func() {
				body, header := multipartUpload("a.png", []byte("png"), map[string]string{"autoGuess": "maybe"})
				resp := do("POST", "/api/batches", body, header)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})
		})

		When("the file field is missing", func() {
			It("returns bad request", func() {
				var buf bytes.Buffer
				mw := multipart.NewWriter(&buf)
				Expect(mw.WriteField("client", "acme")).To(Succeed())
				Expect(mw.Close()).To(Succeed())
				resp := do("POST", "/api/batches", &buf, http.Header{"Content-Type": {mw.FormDataContentType()}})
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				var body map[string]string
				decode(resp, &body)
				Expect(body["error"]).To(ContainSubstring("no file was selected"))
			})
		})

		When("a JSON body carries a data URL", func() {
			It("strips the prefix and uses its media type", func() {
				data := "data:application/pdf;base64," + base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 fake"))
				resp := do("POST", "/api/batches", jsonBody(map[string]any{
					"client":   "acme",
					"filename": "bank.pdf",
					"data":     data,
				}), http.Header{"Content-Type": {"application/json"}})
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				resp.Body.Close()
				Expect(string(scanner.lastDoc.Data)).To(Equal("%PDF-1.4 fake"))
				Expect(scanner.lastDoc.MIMEType).To(Equal("application/pdf"))
			})
		})

		When("the JSON data is not base64", func() {
			It("returns bad request", func() {
				resp := do("POST", "/api/batches", jsonBody(map[string]any{"data": "%%%"}), nil)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})
		})

		DescribeTable("classified scan failures",
			func(scanErr error, status int, kind string) {
				scanner.scanErr = scanErr
				body, header := multipartUpload("a.png", []byte("png"), nil)
				resp := do("POST", "/api/batches", body, header)
				Expect(resp.StatusCode).To(Equal(status))
				var out map[string]string
				decode(resp, &out)
				Expect(out["kind"]).To(Equal(kind))
				Expect(out["error"]).NotTo(BeEmpty())
			},
			Entry("too large", &scanning.ScanError{Kind: scanning.KindFileTooLarge, Message: "file too large"}, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE"),
			Entry("bad key", scanning.ClassifyStatus(403, "denied", nil), http.StatusBadGateway, "INVALID_CREDENTIAL"),
			Entry("rate limited", scanning.ClassifyStatus(429, "quota", nil), http.StatusTooManyRequests, "RATE_LIMITED"),
			Entry("network", &scanning.ScanError{Kind: scanning.KindNetworkError, Message: "timeout"}, http.StatusGatewayTimeout, "NETWORK_ERROR"),
			Entry("invalid response", &scanning.ScanError{Kind: scanning.KindInvalidResponse, Message: "response truncated"}, http.StatusUnprocessableEntity, "INVALID_RESPONSE"),
			Entry("api error", scanning.ClassifyStatus(500, "internal", nil), http.StatusBadGateway, "API_ERROR"),
			Entry("unreadable image", &scanning.ScanError{
				Kind:    scanning.KindInvalidResponse,
				Message: "document could not be read before sending it to the model",
				Err:     fmt.Errorf("%w: unknown format", scanning.ErrUnreadableDocument),
			}, http.StatusBadRequest, "INVALID_RESPONSE"),
		)

		When("the client asks for NDJSON", func() {
			BeforeEach(func() {
				scanner.events = []pipeline.Progress{
					{Phase: pipeline.PhaseExtracting, Message: "Extracting pages from PDF"},
					{Phase: pipeline.PhaseAnalyzing, CurrentPage: 1, TotalPages: 2},
					{Phase: pipeline.PhaseAnalyzing, CurrentPage: 2, TotalPages: 2},
					{Phase: pipeline.PhaseComplete, CurrentPage: 2, TotalPages: 2},
				}
			})

			readLines := func(resp *http.Response) []map[string]json.RawMessage {
				defer resp.Body.Close()
				var lines []map[string]json.RawMessage
				sc := bufio.NewScanner(resp.Body)
				for sc.Scan() {
					var line map[string]json.RawMessage
					Expect(json.Unmarshal(sc.Bytes(), &line)).To(Succeed())
					lines = append(lines, line)
				}
				return lines
			}

			It("streams progress then the batch", func() {
				body, header := multipartUpload("a.pdf", []byte("%PDF-1.7"), nil)
				header.Set("Accept", "application/x-ndjson")
				resp := do("POST", "/api/batches", body, header)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/x-ndjson"))

				lines := readLines(resp)
				Expect(lines).To(HaveLen(5))
				for _, l := range lines[:4] {
					Expect(string(l["type"])).To(Equal(`"progress"`))
				}
				var p pipeline.Progress
				Expect(json.Unmarshal(lines[1]["progress"], &p)).To(Succeed())
				Expect(p.CurrentPage).To(Equal(1))
				Expect(p.TotalPages).To(Equal(2))
				Expect(string(lines[4]["type"])).To(Equal(`"batch"`))
			})

			It("ends the stream with the classified error", func() {
				scanner.scanErr = scanning.ClassifyStatus(429, "quota", nil)
				body, header := multipartUpload("a.pdf", []byte("%PDF-1.7"), nil)
				header.Set("Accept", "application/x-ndjson")
				lines := readLines(do("POST", "/api/batches", body, header))
				last := lines[len(lines)-1]
				Expect(string(last["type"])).To(Equal(`"error"`))
				Expect(string(last["error"])).To(ContainSubstring(`"kind":"RATE_LIMITED"`))
			})
		})
	})

	Describe("batch lookups", func() {
		BeforeEach(func() {
			b := &Batch{
				ID:          "b1",
				ClientID:    "acme",
				BookType:    ledger.BookCash,
				Filename:    "b1_doc.pdf",
				ContentType: "application/pdf",
				Pages: []pipeline.PageResult{{PageNumber: 1, Transactions: []scanning.Transaction{
					{ID: "t1", Date: "2024/01/10", Description: "ENEOS", Amount: decimal.NewFromInt(-3000), Type: scanning.TypeExpense, Kamoku: scanning.SuspensePayable},
				}}},
			}
			b.refresh()
			db.batches["b1"] = b
			storage.files["b1_doc.pdf"] = []byte("%PDF-1.4")
		})

		It("returns a batch", func() {
			resp := do("GET", "/api/batches/b1", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var b Batch
			decode(resp, &b)
			Expect(b.Transactions[0].ID).To(Equal("t1"))
		})

		It("returns 404 for unknown batches", func() {
			resp := do("GET", "/api/batches/missing", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})

		It("serves the original file", func() {
			resp := do("GET", "/api/batches/b1/file", nil, nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/pdf"))
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("%PDF-1.4"))
		})

		It("deletes a batch", func() {
			resp := do("DELETE", "/api/batches/b1", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			resp.Body.Close()
			Expect(db.batches).To(BeEmpty())
		})

		It("edits a transaction and learns the account", func() {
			resp := do("PATCH", "/api/batches/b1/transactions/t1", strings.NewReader(`{"kamoku":"旅費交通費"}`), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var b Batch
			decode(resp, &b)
			Expect(b.Transactions[0].Kamoku).To(Equal("旅費交通費"))
			Expect(db.rules["acme"]).To(HaveKey("ENEOS"))
		})

		It("rejects malformed edits", func() {
			resp := do("PATCH", "/api/batches/b1/transactions/t1", strings.NewReader(`{`), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})
	})

	Describe("rules", func() {
		It("creates, lists and deletes rules", func() {
			resp := do("PUT", "/api/clients/acme/rules", jsonBody(ruleRequest{Description: "ENEOS 渋谷", Kamoku: "旅費交通費"}), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			resp.Body.Close()

			resp = do("GET", "/api/clients/acme/rules", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var rules ledger.RuleSet
			decode(resp, &rules)
			Expect(rules).To(HaveKeyWithValue("ENEOS 渋谷", ledger.LearningRule{Kamoku: "旅費交通費"}))

			resp = do("DELETE", "/api/clients/acme/rules/"+url.PathEscape("ENEOS 渋谷"), nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			resp.Body.Close()
			Expect(db.rules["acme"]).To(BeEmpty())
		})

		It("returns 404 when deleting an unknown rule", func() {
			resp := do("DELETE", "/api/clients/acme/rules/nothing", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})

		It("rejects rules without an account", func() {
			resp := do("PUT", "/api/clients/acme/rules", jsonBody(ruleRequest{Description: "ENEOS"}), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})
	})

	Describe("POST /api/duplicates", func() {
		It("annotates duplicate transactions", func() {
			resp := do("POST", "/api/duplicates", strings.NewReader(`{"transactions":[
				{"id":"a","date":"2024/01/10","description":"セブンイレブン渋谷店","amount":-500,"type":"expense"},
				{"id":"b","date":"2024/01/10","description":"セブンイレブン","amount":"-500","type":"expense"},
				{"id":"c","date":"2024/01/11","description":"セブンイレブン","amount":-500,"type":"expense"}
			]}`), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var out duplicatesResponse
			decode(resp, &out)
			Expect(out.Groups).To(Equal([]ledger.DuplicateGroup{{AnchorID: "a", DuplicateIDs: []string{"b"}}}))
			Expect(out.DuplicateIDs).To(Equal([]string{"a", "b"}))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "secret"}
		})

		It("rejects requests without credentials", func() {
			resp := do("GET", "/api/batches", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			resp.Body.Close()
		})

		It("accepts valid credentials", func() {
			creds := base64.StdEncoding.EncodeToString([]byte("user:secret"))
			resp := do("GET", "/api/batches", nil, http.Header{"Authorization": {"Basic " + creds}})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests", func() {
			resp := do("OPTIONS", "/api/batches", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PATCH"))
			resp.Body.Close()
		})
	})
})
