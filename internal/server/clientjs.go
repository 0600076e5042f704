package server

import (
	"fmt"
	"net/http"
)

// handleClientJS serves the browser client for /assign and /b.
func (s *Server) handleClientJS(w http.ResponseWriter, r *http.Request) {
	// Determine server URL from request
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	serverURL := fmt.Sprintf("%s://%s", scheme, r.Host)

	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.Write([]byte(GenerateClientScript(serverURL)))
}

// GenerateClientScript returns the client script bound to serverURL.
//
// Elements with data-abe-experiment get a variant from /assign; their children
// with a non-matching data-abe-variant are removed and, unless the server fell
// back to the control, an exposure is sent.
// Elements with data-abe-convert send a conversion on click.
func GenerateClientScript(serverURL string) string {
	return fmt.Sprintf(`(function(){
  var S='%s';

  // Get or create visitor ID
  var vid=localStorage.getItem('abe_vid');
  if(!vid){
    vid=crypto.randomUUID();
    localStorage.setItem('abe_vid',vid);
  }

  document.querySelectorAll('[data-abe-experiment]').forEach(function(el){
    var x=el.dataset.abeExperiment;
    fetch(S+'/assign?experiment='+encodeURIComponent(x)+'&visitor='+encodeURIComponent(vid))
      .then(function(r){return r.json();})
      .then(function(a){
        if(!a.variant)return;
        el.querySelectorAll('[data-abe-variant]').forEach(function(c){
          if(c.dataset.abeVariant!==a.variant)c.remove();
        });
        el.hidden=false;
        // A fallback is shown but not counted, and keeps the stored variant
        // so conversions still go to the bucket the visitor was exposed to.
        if(a.fallback)return;
        localStorage.setItem('abe_'+x,a.variant);
        beacon(x,a.variant,'exposure');
      });
  });

  document.querySelectorAll('[data-abe-convert]').forEach(function(el){
    var x=el.dataset.abeConvert;
    el.addEventListener('click',function(){
      var v=localStorage.getItem('abe_'+x);
      if(v)beacon(x,v,'conversion');
    });
  });

  function beacon(x,v,e){
    navigator.sendBeacon(S+'/b',JSON.stringify({x:x,v:v,e:e,vid:vid}));
  }
})();`, serverURL)
}
