// Package e2e provides end-to-end tests over a generated corpus of insurance policies.
package e2e

import (
	"fmt"
	"strings"

	"github.com/hyperjump/yakkan/internal/indexer"
	"github.com/hyperjump/yakkan/internal/models"
)

// PolicyDocument is one policy in the corpus. Pages are in reading order; page numbers
// start at 1.
type PolicyDocument struct {
	ID          string
	Issuer      string
	ProductName string
	Category    string
	Tier        models.Tier
	Pages       []string
}

// QueryTestCase is a question and the documents of which at least one must be cited.
type QueryTestCase struct {
	Query          string
	ExpectedDocIDs []string
	Tier           models.Tier
	Description    string
}

// Corpus holds documents and query test cases for E2E tests.
type Corpus struct {
	Documents    []PolicyDocument
	TestCases    []QueryTestCase
	TotalDocs    int
	TotalQueries int
}

type issuer struct {
	name string
	tier models.Tier
}

var issuers = []issuer{
	{"한빛손해보험", models.TierPublic},
	{"새봄생명", models.TierPublic},
	{"누리화재", models.TierPublic},
	{"가람생명", models.TierRestricted},
	{"다온손해보험", models.TierRestricted},
	{"하늘생명", models.TierClosed},
}

type product struct {
	category string
	name     string
	coverage string
	special  []string
}

// Each issuer gets one rider per product line; the rider wording is what queries target.
var products = []product{
	{"자동차", "자동차보험", "대인배상과 대물배상 및 자기차량손해를 보상합니다",
		[]string{"렌터카 대차료", "긴급출동 배터리충전", "견인거리 확장", "법률비용 지원", "운전자 벌금", "신차 가액 보상"}},
	{"건강", "암보험", "암 진단 확정 시 진단금을 일시금으로 지급합니다",
		[]string{"유사암 진단", "항암방사선 치료", "표적항암 약물", "재진단암 생활자금", "소액암 입원", "갑상선암 수술"}},
	{"건강", "실손보험", "입원비와 통원비 중 실제 부담한 의료비를 보상합니다",
		[]string{"비급여 도수치료", "주사료 한도", "MRI 검사비", "상급병실 차액", "응급실 내원", "처방조제비 공제"}},
	{"생명", "종신보험", "피보험자가 사망하면 사망보험금을 보험수익자에게 지급합니다",
		[]string{"납입면제 특칙", "유니버셜 중도인출", "연금전환 특칙", "선지급 서비스", "체증형 사망보험금", "저해지 환급"}},
	{"여행", "여행자보험", "해외여행 중 발생한 상해와 질병 의료비를 보상합니다",
		[]string{"항공기 지연", "수하물 분실", "여권 재발급", "특별비용 구조송환", "휴대품 손해", "해외 배상책임"}},
	{"재물", "화재보험", "화재로 인한 건물과 가재도구의 손해를 보상합니다",
		[]string{"급배수 누출", "임차자 배상", "잔존물 제거", "폭발 파열", "풍수재 손해", "화재 벌금"}},
}

// BuildCorpus returns one policy per issuer and product line with a query per policy that
// names the issuer and its rider.
func BuildCorpus() *Corpus {
	docs := buildDocuments()
	cases := buildQueryTestCases(docs)
	return &Corpus{
		Documents:    docs,
		TestCases:    cases,
		TotalDocs:    len(docs),
		TotalQueries: len(cases),
	}
}

func buildDocuments() []PolicyDocument {
	out := make([]PolicyDocument, 0, len(issuers)*len(products))
	for i, is := range issuers {
		for j, p := range products {
			rider := p.special[i%len(p.special)]
			out = append(out, PolicyDocument{
				ID:          fmt.Sprintf("policy-%02d-%02d", i+1, j+1),
				Issuer:      is.name,
				ProductName: fmt.Sprintf("%s %s", is.name, p.name),
				Category:    p.category,
				Tier:        is.tier,
				Pages: []string{
					fmt.Sprintf("제1조 목적 이 약관은 %s %s의 보통약관입니다. 회사는 %s.", is.name, p.name, p.coverage),
					fmt.Sprintf("제2조 %s 특약 %s %s 가입자는 %s 특약에 따라 추가 보장을 받습니다.", rider, is.name, p.name, rider),
					fmt.Sprintf("제3조 면책 %s은 고의로 인한 사고와 전쟁 및 핵연료 물질로 생긴 손해는 보상하지 않습니다.", is.name),
				},
			})
		}
	}
	return out
}

func buildQueryTestCases(docs []PolicyDocument) []QueryTestCase {
	var cases []QueryTestCase
	for _, d := range docs {
		rider := riderOf(d)
		if rider == "" {
			continue
		}
		cases = append(cases, QueryTestCase{
			Query:          fmt.Sprintf("%s %s 특약", d.Issuer, rider),
			ExpectedDocIDs: []string{d.ID},
			Tier:           d.Tier,
			Description:    fmt.Sprintf("rider %s of %s", rider, d.ID),
		})
	}
	return cases
}

// riderOf returns the rider named on the second page.
func riderOf(d PolicyDocument) string {
	if len(d.Pages) < 2 {
		return ""
	}
	rest, ok := strings.CutPrefix(d.Pages[1], "제2조 ")
	if !ok {
		return ""
	}
	rider, _, ok := strings.Cut(rest, " 특약 ")
	if !ok {
		return ""
	}
	return rider
}

func containsPhrase(d PolicyDocument, phrase string) bool {
	if strings.Contains(d.ProductName, phrase) {
		return true
	}
	for _, p := range d.Pages {
		if strings.Contains(p, phrase) {
			return true
		}
	}
	return false
}

// Text joins the pages with blank lines, the way plain-text extraction splits them back.
func (d PolicyDocument) Text() string {
	return strings.Join(d.Pages, "\n\n")
}

// ToIngestRequests converts the corpus to ingest requests with one segment per page.
func (c *Corpus) ToIngestRequests() []indexer.IngestRequest {
	out := make([]indexer.IngestRequest, len(c.Documents))
	for i := range c.Documents {
		d := &c.Documents[i]
		segs := make([]models.Segment, len(d.Pages))
		for p, text := range d.Pages {
			segs[p] = models.Segment{DocumentID: d.ID, PageNumber: p + 1, Text: text, Kind: models.SegmentText}
		}
		out[i] = indexer.IngestRequest{
			Document: &models.Document{
				ID:          d.ID,
				Title:       d.ProductName + " 약관",
				Issuer:      d.Issuer,
				Category:    d.Category,
				ProductName: d.ProductName,
				Tier:        d.Tier,
			},
			Segments: segs,
		}
	}
	return out
}
